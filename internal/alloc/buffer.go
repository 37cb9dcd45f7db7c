package alloc

import "fmt"

// Buffer size classes. Requests above the largest class are served with
// exact-size slices that are dropped on release.
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

var classes = [...]int{size4k, size16k, size64k, size256k}

func classFor(n int) int {
	for i, c := range classes {
		if n <= c {
			return i
		}
	}
	return -1
}

// BufferPool hands out growable byte buffers in power-of-4 size classes.
type BufferPool struct {
	slices  [len(classes)][][]byte
	headers *Pool[Buffer]
	stats   BufferStats
}

// BufferStats counts buffer traffic.
type BufferStats struct {
	Gets      uint64
	Releases  uint64
	Reused    uint64
	Oversized uint64
}

// Outstanding returns buffers handed out and not yet released.
func (s BufferStats) Outstanding() uint64 { return s.Gets - s.Releases }

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{headers: NewPool[Buffer](DefaultSlabSize)}
}

// Get returns an empty buffer with capacity for at least hint bytes.
func (p *BufferPool) Get(hint int) *Buffer {
	p.stats.Gets++
	b := p.headers.Get()
	b.pool = p
	b.data = p.slice(hint)[:0]
	return b
}

// Stats returns a copy of the pool counters.
func (p *BufferPool) Stats() BufferStats { return p.stats }

func (p *BufferPool) slice(n int) []byte {
	ci := classFor(n)
	if ci < 0 {
		p.stats.Oversized++
		return make([]byte, n)
	}
	free := p.slices[ci]
	if k := len(free); k > 0 {
		s := free[k-1]
		free[k-1] = nil
		p.slices[ci] = free[:k-1]
		p.stats.Reused++
		return s
	}
	return make([]byte, classes[ci])
}

func (p *BufferPool) recycle(s []byte) {
	c := cap(s)
	for i, size := range classes {
		if c == size {
			p.slices[i] = append(p.slices[i], s[:c])
			return
		}
	}
	// Non-class capacities are left to the garbage collector.
}

func (p *BufferPool) release(b *Buffer) {
	p.stats.Releases++
	p.recycle(b.data)
	p.headers.Put(b)
}

// Buffer is a growable byte buffer with two cursors: the number of bytes
// buffered and the number of those already sent. Sent never exceeds
// Buffered.
type Buffer struct {
	data []byte
	sent int
	pool *BufferPool
}

// NewBuffer returns a standalone buffer that is not backed by a pool.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Bytes returns the buffered bytes.
func (b *Buffer) Bytes() []byte { return b.data }

// Buffered returns the number of buffered bytes.
func (b *Buffer) Buffered() int { return len(b.data) }

// Sent returns the number of buffered bytes already sent.
func (b *Buffer) Sent() int { return b.sent }

// Unsent returns the buffered bytes not yet sent.
func (b *Buffer) Unsent() []byte { return b.data[b.sent:] }

// Flushed reports whether every buffered byte has been sent.
func (b *Buffer) Flushed() bool { return b.sent == len(b.data) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Append copies p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.grow(len(p))
	b.data = append(b.data, p...)
}

// AppendString copies s to the end of the buffer.
func (b *Buffer) AppendString(s string) {
	b.grow(len(s))
	b.data = append(b.data, s...)
}

// Spare makes room for at least n more bytes and returns the free tail of
// the buffer. Follow it with Commit.
func (b *Buffer) Spare(n int) []byte {
	b.grow(n)
	return b.data[len(b.data):cap(b.data)]
}

// Commit marks n bytes of the slice returned by Spare as buffered.
func (b *Buffer) Commit(n int) {
	if n < 0 || len(b.data)+n > cap(b.data) {
		panic(fmt.Sprintf("alloc: commit %d exceeds spare capacity %d", n, cap(b.data)-len(b.data)))
	}
	b.data = b.data[:len(b.data)+n]
}

// Advance records that n more bytes were sent.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.sent+n > len(b.data) {
		panic(fmt.Sprintf("alloc: advance %d past buffered %d (sent %d)", n, len(b.data), b.sent))
	}
	b.sent += n
}

// Reset empties the buffer and zeroes both cursors, keeping its capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.sent = 0
}

// Release returns the buffer to the pool it came from. The buffer must not
// be used afterwards.
func (b *Buffer) Release() {
	if b.pool == nil {
		b.data, b.sent = nil, 0
		return
	}
	b.pool.release(b)
}

func (b *Buffer) grow(n int) {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return
	}
	newCap := 2 * cap(b.data)
	if newCap < need {
		newCap = need
	}
	var s []byte
	if b.pool != nil {
		s = b.pool.slice(newCap)
	} else {
		s = make([]byte, newCap)
	}
	s = s[:len(b.data)]
	copy(s, b.data)
	if b.pool != nil {
		b.pool.recycle(b.data)
	}
	b.data = s
}
