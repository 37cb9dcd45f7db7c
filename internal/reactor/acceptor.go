package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-kvcore/internal/event"
	"github.com/ehrlich-b/go-kvcore/internal/itc"
)

// acceptRetry is how long the listener is muted after the process ran out
// of descriptors.
const acceptRetry = 100 * time.Millisecond

// acceptor accepts client sockets and deals them to cores round-robin.
type acceptor struct {
	q    *Queue
	fd   int
	tok  event.Token
	next int
}

// Listen makes this core accept connections on the listening descriptor
// fd. Accepted sockets are handed to cores in turn; the queue owns fd from
// now on and closes it when Run returns.
func (q *Queue) Listen(fd int) error {
	if q.acceptor != nil {
		return fmt.Errorf("reactor: core %d already listening", q.core)
	}
	a := &acceptor{q: q, fd: fd, next: q.core}
	tok, err := q.watchInternal(fd, a)
	if err != nil {
		return err
	}
	a.tok = tok
	q.acceptor = a
	if addr, err := LocalAddr(fd); err == nil {
		q.logger.Info("listening", "addr", addr.String())
	}
	return nil
}

// HandleEvent accepts every pending connection.
func (a *acceptor) HandleEvent(ev *event.Event) event.Verdict {
	q := a.q
	for {
		nfd, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				q.logger.Warn("out of descriptors, pausing accept", "error", err, "retry", acceptRetry.String())
				a.pause()
			default:
				q.logger.Error("accept failed", "error", err)
			}
			return event.Continue
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		q.stats.accepted.Add(1)
		a.dispatch(nfd)
	}
}

func (a *acceptor) dispatch(fd int) {
	q := a.q
	dest := a.next
	a.next = (a.next + 1) % q.group.Cores()

	if dest == q.core {
		if err := q.Adopt(fd); err != nil {
			q.logger.Warn("adopt failed", "fd", fd, "error", err)
		}
		return
	}
	if err := q.PostITC(dest, itc.Message{Kind: itc.NewConn, Arg: int32(fd)}); err != nil {
		q.logger.Warn("hand-off failed", "fd", fd, "dest", dest, "error", err)
		unix.Close(fd)
	}
}

func (a *acceptor) pause() {
	q := a.q
	if err := q.ModifyResource(a.tok, event.OpNone); err != nil {
		return
	}
	q.TimerOnce(acceptRetry, func() {
		if q.acceptor == a {
			_ = q.ModifyResource(a.tok, event.OpRead)
		}
	})
}

func (a *acceptor) close() {
	if err := a.q.ForgetResource(a.tok); err != nil {
		a.q.logger.Debug("forget listener failed", "error", err)
	}
	unix.Close(a.fd)
}
