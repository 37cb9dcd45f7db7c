package reactor

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer.
type TimerID uint64

type timer struct {
	id       TimerID
	when     time.Time
	seq      uint64 // breaks ties between equal deadlines in scheduling order
	interval time.Duration
	fn       func()
	canceled bool
}

// timerHeap is a min-heap of timers ordered by deadline
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// timers owns a core's timer heap.
type timers struct {
	heap   timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
	seq    uint64
}

func newTimers() *timers {
	return &timers{byID: make(map[TimerID]*timer)}
}

func (ts *timers) add(when time.Time, interval time.Duration, fn func()) TimerID {
	ts.nextID++
	ts.seq++
	t := &timer{id: ts.nextID, when: when, seq: ts.seq, interval: interval, fn: fn}
	ts.byID[t.id] = t
	heap.Push(&ts.heap, t)
	return t.id
}

func (ts *timers) cancel(id TimerID) bool {
	t, ok := ts.byID[id]
	if !ok {
		return false
	}
	t.canceled = true
	delete(ts.byID, id)
	return true
}

func (ts *timers) len() int { return len(ts.byID) }

// timeout converts the nearest deadline into an epoll timeout in
// milliseconds, rounded up so a wakeup never comes early.
func (ts *timers) timeout(now time.Time) int {
	for len(ts.heap) > 0 && ts.heap[0].canceled {
		heap.Pop(&ts.heap)
	}
	if len(ts.heap) == 0 {
		return -1
	}
	d := ts.heap[0].when.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// run fires every timer due at now, in deadline order. Periodic timers are
// rescheduled one interval after their previous deadline, or after now if
// the core fell behind by more than an interval.
func (ts *timers) run(now time.Time) int {
	fired := 0
	for len(ts.heap) > 0 && !ts.heap[0].when.After(now) {
		t := heap.Pop(&ts.heap).(*timer)
		if t.canceled {
			continue
		}
		if t.interval <= 0 {
			delete(ts.byID, t.id)
		}
		t.fn()
		fired++
		if t.interval > 0 && !t.canceled {
			t.when = t.when.Add(t.interval)
			if !t.when.After(now) {
				t.when = now.Add(t.interval)
			}
			ts.seq++
			t.seq = ts.seq
			heap.Push(&ts.heap, t)
		}
	}
	return fired
}
