// Package conn implements the per-connection state machine driven by a
// reactor core.
//
// A connection alternates between receiving a request, waiting for a
// backend operation, and sending the reply. At any moment at most one of
// those is pending. The exchange buffer is taken from the core's pool on
// the first read of an exchange and given back as soon as the reply has
// been flushed, so idle connections hold no buffer.
package conn

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-kvcore/internal/alloc"
	"github.com/ehrlich-b/go-kvcore/internal/constants"
	"github.com/ehrlich-b/go-kvcore/internal/event"
	"github.com/ehrlich-b/go-kvcore/internal/ilist"
)

// State of a connection
type State uint8

const (
	StateConnected         State = iota // Idle; no buffer held, waiting for a request
	StateRecvIncomplete                 // Part of a request is buffered
	StateSendIncomplete                 // Reply partially written; waiting for writability
	StateBackendIncomplete              // Backend operation outstanding
	StateClosed                         // Terminal
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRecvIncomplete:
		return "recv_incomplete"
	case StateSendIncomplete:
		return "send_incomplete"
	case StateBackendIncomplete:
		return "backend_incomplete"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Conn is a connection FSM. The zero value is unusable; call Init. Conns
// are normally carved from a core's alloc.Pool[Conn].
type Conn struct {
	links ilist.Links[Conn]

	sock  Socket
	proto Protocol
	env   Env
	tok   event.Token

	state    State
	interest event.Op
	buf      *alloc.Buffer
	carry    []byte // bytes of the next pipelined request
	op       Op
	skipping bool // dropping the tail of an overflowed request

	verb    string
	ok      bool
	started time.Time
}

// ListLinks implements ilist.Elem so a core can keep its connections in
// an intrusive registry.
func (c *Conn) ListLinks() *ilist.Links[Conn] { return &c.links }

// Init prepares c for a freshly registered socket. tok is the socket's
// registration, currently watching for readability.
func (c *Conn) Init(sock Socket, proto Protocol, env Env, tok event.Token) {
	c.sock = sock
	c.proto = proto
	c.env = env
	c.tok = tok
	c.state = StateConnected
	c.interest = event.OpRead
	c.skipping = false
}

// New allocates and initialises a Conn outside any pool.
func New(sock Socket, proto Protocol, env Env, tok event.Token) *Conn {
	c := &Conn{}
	c.Init(sock, proto, env, tok)
	return c
}

// State returns the current state.
func (c *Conn) State() State { return c.state }

// Token returns the registration token.
func (c *Conn) Token() event.Token { return c.tok }

// Socket returns the underlying socket.
func (c *Conn) Socket() Socket { return c.sock }

// Buffer returns the exchange buffer, or nil when none is held.
func (c *Conn) Buffer() *alloc.Buffer { return c.buf }

// HandleEvent advances the FSM. It implements event.Handler.
func (c *Conn) HandleEvent(ev *event.Event) event.Verdict {
	if c.state == StateClosed {
		return event.Close
	}

	switch ev.Kind {
	case event.KindSocket:
		switch c.state {
		case StateConnected, StateRecvIncomplete:
			if ev.Op&event.OpRead != 0 || ev.Hangup {
				return c.receive()
			}
		case StateSendIncomplete:
			if ev.Hangup {
				return event.Close
			}
			if ev.Op&event.OpWrite != 0 {
				return c.resume(c.flush())
			}
		case StateBackendIncomplete:
			if ev.Hangup {
				return event.Close
			}
		}
		return event.Continue

	case event.KindBackend:
		if c.state != StateBackendIncomplete || c.op == nil {
			c.env.Logger().Warn("unexpected backend completion", "conn", c.tok.String(), "state", c.state.String())
			return event.Continue
		}
		op := c.op
		c.op = nil
		if ev.Result < 0 {
			c.ok = false
		}
		op.Finish(ev.Result, c.buf)
		return c.resume(c.flush())

	default:
		return event.Continue
	}
}

// receive reads what the socket has and tries to make progress on it. A
// zero-length read closes the connection in any state.
func (c *Conn) receive() event.Verdict {
	if c.buf == nil {
		c.buf = c.env.Buffers().Get(constants.RecvChunk)
	}

	n, err := c.sock.Read(c.buf.Spare(constants.RecvChunk))
	if errors.Is(err, ErrWouldBlock) {
		if c.buf.Buffered() == 0 {
			c.releaseBuffer()
		}
		return event.Continue
	}
	if err != nil {
		c.env.Logger().Debug("read failed", "conn", c.tok.String(), "error", err)
		return event.Close
	}
	if n == 0 {
		return event.Close
	}
	c.buf.Commit(n)
	return c.process()
}

// process serves every complete request in the buffer, one exchange at a
// time, until it runs out of bytes or an exchange has to wait.
func (c *Conn) process() event.Verdict {
	for {
		v := c.exchange()
		if v != event.Continue || c.state != StateConnected || len(c.carry) == 0 {
			return v
		}
		c.loadCarry()
	}
}

func (c *Conn) exchange() event.Verdict {
	if c.skipping {
		return c.skip()
	}
	req, consumed, err := c.proto.Parse(c.buf.Bytes())
	if err == nil && consumed == 0 {
		c.state = StateRecvIncomplete
		return event.Continue
	}
	if consumed == 0 || consumed > c.buf.Buffered() {
		consumed = c.buf.Buffered()
	}

	c.started = time.Now()
	c.carry = append(c.carry[:0], c.buf.Bytes()[consumed:]...)
	c.buf.Reset()

	if err != nil {
		c.verb, c.ok = "malformed", false
		c.skipping = errors.Is(err, ErrOverflow)
		c.proto.WriteError(err, c.buf)
		return c.flush()
	}

	res := c.proto.Execute(req, c.buf)
	c.verb, c.ok = res.Verb, true
	switch res.Outcome {
	case Shutdown:
		c.buf.Reset()
		return event.Shutdown

	case Async:
		tok, env := c.tok, c.env
		if err := res.Op.Start(func(r int32) { env.CompleteBackend(tok, r) }); err != nil {
			c.ok = false
			c.buf.Reset()
			c.proto.WriteError(err, c.buf)
			return c.flush()
		}
		// Once started, the op always completes; a stale completion is
		// discarded if the connection closes first.
		c.state = StateBackendIncomplete
		c.op = res.Op
		return c.setInterest(event.OpNone)

	default:
		return c.flush()
	}
}

// skip drops buffered bytes that still belong to an overflowed request.
// The request was already answered, so reaching its end produces no reply.
func (c *Conn) skip() event.Verdict {
	n, done := c.proto.Discard(c.buf.Bytes())
	if n > c.buf.Buffered() {
		n = c.buf.Buffered()
	}
	c.carry = append(c.carry[:0], c.buf.Bytes()[n:]...)
	c.buf.Reset()
	if !done {
		c.state = StateRecvIncomplete
		return event.Continue
	}
	c.skipping = false
	c.releaseBuffer()
	c.state = StateConnected
	return event.Continue
}

// flush writes as much of the reply as the socket accepts. When it is all
// out the buffer goes back to the pool and the FSM returns to connected.
func (c *Conn) flush() event.Verdict {
	for !c.buf.Flushed() {
		n, err := c.sock.Write(c.buf.Unsent())
		if err == nil && n == 0 {
			err = ErrWouldBlock
		}
		if errors.Is(err, ErrWouldBlock) {
			c.state = StateSendIncomplete
			return c.setInterest(event.OpWrite)
		}
		if err != nil {
			c.env.Logger().Debug("write failed", "conn", c.tok.String(), "error", err)
			return event.Close
		}
		c.buf.Advance(n)
	}

	c.env.Observer().ObserveRequest(c.verb, uint64(time.Since(c.started)), c.ok)
	c.releaseBuffer()
	c.state = StateConnected
	return c.setInterest(event.OpRead)
}

// resume continues with pipelined bytes left over from the last exchange.
func (c *Conn) resume(v event.Verdict) event.Verdict {
	if v != event.Continue || c.state != StateConnected || len(c.carry) == 0 {
		return v
	}
	c.loadCarry()
	return c.process()
}

func (c *Conn) loadCarry() {
	if c.buf == nil {
		c.buf = c.env.Buffers().Get(len(c.carry))
	}
	c.buf.Append(c.carry)
	c.carry = c.carry[:0]
}

func (c *Conn) setInterest(op event.Op) event.Verdict {
	if c.interest == op {
		return event.Continue
	}
	if err := c.env.SetInterest(c.tok, op); err != nil {
		c.env.Logger().Warn("interest change failed", "conn", c.tok.String(), "error", err)
		return event.Close
	}
	c.interest = op
	return event.Continue
}

func (c *Conn) releaseBuffer() {
	if c.buf != nil {
		c.buf.Release()
		c.buf = nil
	}
}

// Close tears the connection down: the buffer returns to its pool and the
// socket is closed. A backend operation still outstanding completes later
// against a stale token and is discarded by the reactor.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.op = nil
	c.carry = nil
	c.skipping = false
	c.releaseBuffer()
	if c.sock != nil {
		return c.sock.Close()
	}
	return nil
}
