// Package aio schedules positioned disk reads and writes on a core's ring
// and routes their completions back to callbacks on the same core.
//
// At most MaxInflight requests are outstanding on the ring. Requests beyond
// that wait in FIFO order and are submitted as completions free up room.
// Each callback runs exactly once, on the owning core, after the request
// completed. Outstanding requests cannot be cancelled.
package aio

import (
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-kvcore/internal/event"
	"github.com/ehrlich-b/go-kvcore/internal/interfaces"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
	"github.com/ehrlich-b/go-kvcore/internal/uring"
)

// DefaultMaxInflight is used when Config.MaxInflight is zero.
const DefaultMaxInflight = 128

// Callback receives a disk completion. ev.Result holds the byte count; the
// event is only valid for the duration of the call.
type Callback func(ev *event.Event)

// WriteDesc describes one write of a ScheduleWrites batch.
type WriteDesc struct {
	Res    event.Resource
	Offset int64
	Buf    []byte
	Done   Callback
}

// Config configures a Subsystem.
type Config struct {
	MaxInflight int
	Logger      *logging.Logger
	Observer    interfaces.Observer
	Now         func() time.Time
}

type request struct {
	op     event.Op
	fd     int
	offset int64
	buf    []byte
	cb     Callback
	start  time.Time
	slot   uint32
}

// Subsystem is the per-core disk I/O scheduler.
type Subsystem struct {
	ring    uring.Ring
	eventFd int
	max     int

	waiting  *queue.Queue // *request not yet on the ring
	slots    []*request   // indexed by ring user data
	freeSlot []uint32
	inflight int
	pending  int // prepared on the ring but not yet accepted by Submit
	cqes     []uring.Completion

	logger   *logging.Logger
	observer interfaces.Observer
	now      func() time.Time

	submitted, completed uint64
}

// New wraps ring, registering a fresh eventfd that becomes readable when
// completions are ready. The Subsystem owns ring from now on.
func New(ring uring.Ring, cfg Config) (*Subsystem, error) {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = interfaces.NopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("aio eventfd: %w", err)
	}
	if err := ring.RegisterEventFd(efd); err != nil {
		unix.Close(efd)
		return nil, fmt.Errorf("aio register eventfd: %w", err)
	}

	s := &Subsystem{
		ring:     ring,
		eventFd:  efd,
		max:      cfg.MaxInflight,
		waiting:  queue.New(),
		slots:    make([]*request, cfg.MaxInflight),
		freeSlot: make([]uint32, 0, cfg.MaxInflight),
		cqes:     make([]uring.Completion, cfg.MaxInflight),
		logger:   cfg.Logger.WithComponent("aio"),
		observer: cfg.Observer,
		now:      cfg.Now,
	}
	for i := cfg.MaxInflight - 1; i >= 0; i-- {
		s.freeSlot = append(s.freeSlot, uint32(i))
	}
	return s, nil
}

// CompletionFd returns the descriptor the reactor watches for completions.
func (s *Subsystem) CompletionFd() int { return s.eventFd }

// Inflight returns the number of requests on the ring.
func (s *Subsystem) Inflight() int { return s.inflight }

// Queued returns the number of requests waiting for ring capacity.
func (s *Subsystem) Queued() int { return s.waiting.Length() }

// NeedsSubmit reports whether requests are held back by a transient ring
// condition that no completion will clear: entries the ring refused to
// submit, or queued requests with nothing in flight. The reactor must
// call Flush again soon instead of waiting for a completion.
func (s *Subsystem) NeedsSubmit() bool {
	return s.pending > 0 || (s.waiting.Length() > 0 && s.inflight == 0)
}

// ScheduleRead queues a read of length bytes at offset of res into buf.
// cb runs on completion.
func (s *Subsystem) ScheduleRead(res event.Resource, offset int64, length int, buf []byte, cb Callback) error {
	if length > len(buf) {
		return fmt.Errorf("aio: read length %d exceeds buffer %d", length, len(buf))
	}
	if !res.Valid() {
		return fmt.Errorf("aio: invalid resource")
	}
	s.waiting.Add(&request{op: event.OpRead, fd: res.Fd(), offset: offset, buf: buf[:length], cb: cb})
	return nil
}

// ScheduleWrites queues a batch of writes. Each descriptor's Done callback
// runs once when its write completes.
func (s *Subsystem) ScheduleWrites(descs []WriteDesc) error {
	for i := range descs {
		if !descs[i].Res.Valid() {
			return fmt.Errorf("aio: invalid resource in write %d", i)
		}
	}
	for i := range descs {
		d := &descs[i]
		s.waiting.Add(&request{op: event.OpWrite, fd: d.Res.Fd(), offset: d.Offset, buf: d.Buf, cb: d.Done})
	}
	return nil
}

// Flush moves waiting requests onto the ring while capacity allows and
// submits them. Transient exhaustion leaves them queued for the next
// call; anything else is returned.
func (s *Subsystem) Flush() error {
	for s.waiting.Length() > 0 && s.inflight < s.max {
		req := s.waiting.Peek().(*request)
		slot := s.freeSlot[len(s.freeSlot)-1]

		var err error
		if req.op == event.OpRead {
			err = s.ring.PrepareRead(req.fd, req.buf, req.offset, uint64(slot))
		} else {
			err = s.ring.PrepareWrite(req.fd, req.buf, req.offset, uint64(slot))
		}
		if errors.Is(err, uring.ErrQueueFull) {
			break
		}
		if err != nil {
			return fmt.Errorf("aio prepare: %w", err)
		}

		s.waiting.Remove()
		s.freeSlot = s.freeSlot[:len(s.freeSlot)-1]
		req.slot = slot
		req.start = s.now()
		s.slots[slot] = req
		s.inflight++
		s.pending++
		s.logger.IOStart(req.op.String(), req.offset, len(req.buf))
	}

	if s.pending == 0 {
		return nil
	}
	n, err := s.ring.Submit()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) {
			return nil
		}
		return fmt.Errorf("aio submit: %w", err)
	}
	s.submitted += uint64(n)
	s.pending = max(s.pending-n, 0)
	return nil
}

// OnCompletionReadable drains the completion eventfd, reaps every posted
// completion and runs its callback, then submits waiting requests into the
// freed capacity. A failed disk request is fatal to the server and is
// returned as an error after the callbacks reaped so far have run.
func (s *Subsystem) OnCompletionReadable() (int, error) {
	var counter [8]byte
	if _, err := unix.Read(s.eventFd, counter[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return 0, fmt.Errorf("aio eventfd read: %w", err)
	}

	handled := 0
	var fatal error
	for {
		n := s.ring.Reap(s.cqes)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if err := s.complete(s.cqes[i]); err != nil && fatal == nil {
				fatal = err
			}
			handled++
		}
	}
	if fatal != nil {
		return handled, fatal
	}
	return handled, s.Flush()
}

func (s *Subsystem) complete(c uring.Completion) error {
	if c.UserData >= uint64(len(s.slots)) || s.slots[c.UserData] == nil {
		return fmt.Errorf("aio: completion for unknown request %d", c.UserData)
	}
	req := s.slots[c.UserData]
	s.slots[c.UserData] = nil
	s.freeSlot = append(s.freeSlot, req.slot)
	s.inflight--
	s.completed++

	latency := s.now().Sub(req.start)
	ok := c.Res >= 0
	if req.op == event.OpRead {
		s.observer.ObserveDiskRead(uint64(len(req.buf)), uint64(latency), ok)
	} else {
		s.observer.ObserveDiskWrite(uint64(len(req.buf)), uint64(latency), ok)
	}

	if !ok {
		err := unix.Errno(-c.Res)
		s.logger.IOError(req.op.String(), req.offset, len(req.buf), err)
		return fmt.Errorf("aio %s fd=%d offset=%d: %w", req.op, req.fd, req.offset, err)
	}
	s.logger.IOComplete(req.op.String(), req.offset, len(req.buf), latency.Microseconds())

	if req.cb != nil {
		ev := event.Event{
			Kind:   event.KindDisk,
			Op:     req.op,
			Result: c.Res,
			Buf:    req.buf,
			Offset: req.offset,
		}
		req.cb(&ev)
	}
	return nil
}

// Stats reports request counters.
func (s *Subsystem) Stats() (submitted, completed uint64) {
	return s.submitted, s.completed
}

// Close releases the ring and the eventfd. Requests still outstanding are
// abandoned without running their callbacks.
func (s *Subsystem) Close() error {
	err := s.ring.Close()
	if cerr := unix.Close(s.eventFd); err == nil {
		err = cerr
	}
	return err
}
