package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_SizeClasses(t *testing.T) {
	tests := []struct {
		name      string
		hint      int
		expectCap int
	}{
		{"4KB class - zero hint", 0, 4 * 1024},
		{"4KB class - exact", 4 * 1024, 4 * 1024},
		{"16KB class - smaller", 5 * 1024, 16 * 1024},
		{"64KB class - exact", 64 * 1024, 64 * 1024},
		{"256KB class - smaller", 100 * 1024, 256 * 1024},
		{"oversized", 300 * 1024, 300 * 1024},
	}

	p := NewBufferPool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.hint)
			if buf.Buffered() != 0 {
				t.Errorf("Get(%d) returned %d buffered bytes, want 0", tt.hint, buf.Buffered())
			}
			if buf.Cap() != tt.expectCap {
				t.Errorf("Get(%d) returned cap=%d, want %d", tt.hint, buf.Cap(), tt.expectCap)
			}
			buf.Release()
		})
	}
}

func TestRelease_ReturnsToOriginatingPool(t *testing.T) {
	a, b := NewBufferPool(), NewBufferPool()

	buf := a.Get(100)
	first := &buf.Spare(1)[0]
	buf.Release()

	assert.Equal(t, uint64(0), a.Stats().Outstanding())
	assert.Equal(t, uint64(0), b.Stats().Gets)

	again := a.Get(100)
	assert.Same(t, first, &again.Spare(1)[0], "slice should be reused by the originating pool")
	assert.Equal(t, uint64(1), a.Stats().Reused)
	again.Release()
}

func TestCursors(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(0)
	defer buf.Release()

	buf.AppendString("hello ")
	buf.Append([]byte("world"))
	assert.Equal(t, 11, buf.Buffered())
	assert.Equal(t, 0, buf.Sent())
	assert.False(t, buf.Flushed())

	buf.Advance(6)
	assert.Equal(t, "world", string(buf.Unsent()))
	assert.LessOrEqual(t, buf.Sent(), buf.Buffered())

	assert.Panics(t, func() { buf.Advance(6) }, "sent may never pass buffered")

	buf.Advance(5)
	assert.True(t, buf.Flushed())

	buf.Reset()
	assert.Equal(t, 0, buf.Buffered())
	assert.Equal(t, 0, buf.Sent())
}

func TestSpareCommitGrowth(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(0)

	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Fill past the first class through Spare/Commit like a socket read.
	off := 0
	for off < len(payload) {
		spare := buf.Spare(1024)
		require.GreaterOrEqual(t, len(spare), 1024)
		n := copy(spare[:1024], payload[off:])
		buf.Commit(n)
		off += n
	}
	assert.Equal(t, payload, buf.Bytes())
	assert.Equal(t, 16*1024, buf.Cap())

	assert.Panics(t, func() { buf.Commit(buf.Cap() + 1) })

	buf.Release()
	assert.Equal(t, uint64(0), p.Stats().Outstanding())
}

func TestStandaloneBuffer(t *testing.T) {
	buf := NewBuffer(2)
	buf.AppendString("abcdef")
	assert.Equal(t, "abcdef", string(buf.Bytes()))
	buf.Release()
	assert.Equal(t, 0, buf.Buffered())
}
