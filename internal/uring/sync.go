package uring

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// syncRing performs prepared requests with pread/pwrite when Submit is
// called and posts their completions for a later Reap, signalling the
// registered eventfd like a kernel ring would. Callers therefore observe
// the same asynchronous contract on kernels without io_uring.
type syncRing struct {
	entries   int
	sq        []syncEntry
	cq        []Completion
	eventFd   int
	submitted uint64
}

type syncEntry struct {
	write    bool
	fd       int
	buf      []byte
	offset   int64
	userData uint64
}

// NewSyncRing creates a ring that executes requests synchronously at
// submit time.
func NewSyncRing(entries uint32) Ring {
	if entries == 0 {
		entries = 128
	}
	return &syncRing{
		entries: int(entries),
		sq:      make([]syncEntry, 0, entries),
		eventFd: -1,
	}
}

func (r *syncRing) prepare(e syncEntry) error {
	if len(r.sq) >= r.entries {
		return ErrQueueFull
	}
	r.sq = append(r.sq, e)
	return nil
}

func (r *syncRing) PrepareRead(fd int, buf []byte, offset int64, userData uint64) error {
	return r.prepare(syncEntry{fd: fd, buf: buf, offset: offset, userData: userData})
}

func (r *syncRing) PrepareWrite(fd int, buf []byte, offset int64, userData uint64) error {
	return r.prepare(syncEntry{write: true, fd: fd, buf: buf, offset: offset, userData: userData})
}

func (r *syncRing) Submit() (int, error) {
	n := len(r.sq)
	if n == 0 {
		return 0, nil
	}
	for i := range r.sq {
		e := &r.sq[i]
		var (
			done int
			err  error
		)
		if e.write {
			done, err = pwriteFull(e.fd, e.buf, e.offset)
		} else {
			done, err = unix.Pread(e.fd, e.buf, e.offset)
		}
		res := int32(done)
		if err != nil {
			var errno unix.Errno
			if errors.As(err, &errno) {
				res = -int32(errno)
			} else {
				res = -int32(unix.EIO)
			}
		}
		r.cq = append(r.cq, Completion{UserData: e.userData, Res: res})
		*e = syncEntry{}
	}
	r.sq = r.sq[:0]
	r.submitted += uint64(n)
	r.signal()
	return n, nil
}

func pwriteFull(fd int, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Pwrite(fd, buf[total:], offset+int64(total))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *syncRing) signal() {
	if r.eventFd < 0 {
		return
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(r.eventFd, one[:])
}

func (r *syncRing) Reap(out []Completion) int {
	n := copy(out, r.cq)
	r.cq = append(r.cq[:0], r.cq[n:]...)
	return n
}

func (r *syncRing) RegisterEventFd(fd int) error {
	r.eventFd = fd
	return nil
}

func (r *syncRing) Close() error {
	r.sq = nil
	r.cq = nil
	return nil
}
