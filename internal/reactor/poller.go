package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-kvcore/internal/event"
)

// poller is a level-triggered epoll set. Each registration carries the
// slot and generation of its table entry so a readiness event can be
// matched against the registration that produced it.
type poller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func interestBits(op event.Op) uint32 {
	bits := uint32(unix.EPOLLRDHUP)
	if op&event.OpRead != 0 {
		bits |= unix.EPOLLIN
	}
	if op&event.OpWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func (p *poller) add(fd int, tok event.Token, op event.Op) error {
	ev := unix.EpollEvent{Events: interestBits(op), Fd: int32(tok.Slot()), Pad: int32(tok.Gen())}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, tok event.Token, op event.Op) error {
	ev := unix.EpollEvent{Events: interestBits(op), Fd: int32(tok.Slot()), Pad: int32(tok.Gen())}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// readiness is one decoded epoll event.
type readiness struct {
	tok    event.Token
	op     event.Op
	hangup bool
}

// wait blocks for at most timeoutMs (-1 waits forever) and decodes what
// arrived into out. An interrupted wait reports zero events.
func (p *poller) wait(out []readiness, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events[:len(out)], timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		e := p.events[i]
		r := readiness{tok: event.MakeToken(uint32(e.Fd), uint32(e.Pad))}
		if e.Events&unix.EPOLLIN != 0 {
			r.op |= event.OpRead
		}
		if e.Events&unix.EPOLLOUT != 0 {
			r.op |= event.OpWrite
		}
		r.hangup = e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0
		out[i] = r
	}
	return n, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func newWakeFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("wake eventfd: %w", err)
	}
	return fd, nil
}

// signalWake bumps the eventfd counter. A full counter already guarantees
// a pending wakeup, so EAGAIN is ignored.
func signalWake(fd int) {
	one := [8]byte{1}
	_, _ = unix.Write(fd, one[:])
}

func drainWake(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}
