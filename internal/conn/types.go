package conn

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-kvcore/internal/alloc"
	"github.com/ehrlich-b/go-kvcore/internal/event"
	"github.com/ehrlich-b/go-kvcore/internal/interfaces"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
)

// ErrWouldBlock is returned by a Socket when no progress is possible
// without waiting for readiness.
var ErrWouldBlock = errors.New("conn: operation would block")

// ErrOverflow is wrapped by a Parse error for a request that outgrew its
// limit before its end was seen. The FSM answers it once and then drops
// input through Protocol.Discard until the request ends.
var ErrOverflow = errors.New("unterminated")

// Socket is the byte stream an FSM drives.
type Socket interface {
	// Read returns (0, nil) on orderly shutdown by the peer and
	// ErrWouldBlock when no bytes are available.
	Read(p []byte) (int, error)
	// Write may accept fewer bytes than offered. It returns ErrWouldBlock
	// when it accepts none.
	Write(p []byte) (int, error)
	Close() error
	Fd() int
}

// Env is what an FSM needs from the reactor that owns it.
type Env interface {
	// SetInterest changes the readiness the FSM's registration waits for.
	SetInterest(tok event.Token, op event.Op) error
	// Buffers returns the core's buffer pool.
	Buffers() *alloc.BufferPool
	// CompleteBackend delivers a backend completion for tok. Completions
	// whose registration is gone are discarded.
	CompleteBackend(tok event.Token, res int32)
	Logger() *logging.Logger
	Observer() interfaces.Observer
}

// Request is a parsed request. Its concrete type belongs to the Protocol.
type Request any

// Outcome classifies what happened to a buffered request.
type Outcome uint8

const (
	Incomplete Outcome = iota // more bytes are needed
	Malformed                 // an error reply was produced
	Reply                     // an immediate reply was produced
	Async                     // a backend operation must run first
	Shutdown                  // the server must stop
)

func (o Outcome) String() string {
	switch o {
	case Incomplete:
		return "incomplete"
	case Malformed:
		return "malformed"
	case Reply:
		return "reply"
	case Async:
		return "async"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Result is returned by Protocol.Execute.
type Result struct {
	Outcome Outcome // Reply, Async or Shutdown
	Op      Op      // set for Async
	Verb    string  // request name, for metrics
}

// Protocol parses and executes requests. Implementations are bound to one
// core.
type Protocol interface {
	// Parse examines the buffered bytes of the next request. It returns
	// consumed == 0 and a nil error when the request is incomplete. A
	// non-nil error marks the request malformed; consumed then says how
	// many bytes to discard, and zero discards everything buffered.
	Parse(in []byte) (req Request, consumed int, err error)

	// Discard skips the remainder of a request abandoned with ErrOverflow.
	// It returns how many bytes of in belong to that request and whether
	// its end was found.
	Discard(in []byte) (consumed int, done bool)

	// Execute runs a parsed request, writing any immediate reply to out.
	Execute(req Request, out *alloc.Buffer) Result

	// WriteError writes the reply for a request that could not be served.
	WriteError(err error, out *alloc.Buffer)
}

// Op is a backend operation started on behalf of one request.
type Op interface {
	// Start begins the operation. done must be called exactly once, later,
	// from the owning core's goroutine.
	Start(done func(res int32)) error

	// Finish writes the reply for the completed operation into out.
	Finish(res int32, out *alloc.Buffer)
}
