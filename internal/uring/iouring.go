//go:build linux

package uring

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// iouRing implements the Ring interface using pawelgaczynski/giouring
type iouRing struct {
	ring    *giouring.Ring
	cqes    []*giouring.CompletionQueueEvent
	pending int // prepared and not yet accepted by the kernel
}

// NewIOURing creates a kernel io_uring with the given number of entries.
func NewIOURing(entries uint32) (Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("io_uring setup: %w", err)
	}
	return &iouRing{
		ring: ring,
		cqes: make([]*giouring.CompletionQueueEvent, entries*2),
	}, nil
}

func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (r *iouRing) PrepareRead(fd int, buf []byte, offset int64, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}
	sqe.PrepareRead(fd, bufAddr(buf), uint32(len(buf)), uint64(offset))
	sqe.UserData = userData
	r.pending++
	return nil
}

func (r *iouRing) PrepareWrite(fd int, buf []byte, offset int64, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}
	sqe.PrepareWrite(fd, bufAddr(buf), uint32(len(buf)), uint64(offset))
	sqe.UserData = userData
	r.pending++
	return nil
}

func (r *iouRing) Submit() (int, error) {
	if r.pending == 0 {
		return 0, nil
	}
	n, err := r.ring.Submit()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, unix.EAGAIN
		}
		return int(n), err
	}
	r.pending -= int(n)
	if r.pending < 0 {
		r.pending = 0
	}
	return int(n), nil
}

func (r *iouRing) Reap(out []Completion) int {
	max := len(out)
	if max > len(r.cqes) {
		max = len(r.cqes)
	}
	n := r.ring.PeekBatchCQE(r.cqes[:max])
	for i := uint32(0); i < n; i++ {
		out[i] = Completion{UserData: r.cqes[i].UserData, Res: r.cqes[i].Res}
	}
	if n > 0 {
		r.ring.CQAdvance(n)
	}
	return int(n)
}

func (r *iouRing) RegisterEventFd(fd int) error {
	_, err := r.ring.RegisterEventFd(fd)
	return err
}

func (r *iouRing) Close() error {
	r.ring.QueueExit()
	return nil
}
