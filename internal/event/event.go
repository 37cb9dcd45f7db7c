// Package event defines the primitives shared by the reactor and the
// components it drives: events, resources, registration tokens and the
// verdict an owner hands back after handling an event.
package event

import "fmt"

// Kind identifies the source of an event.
type Kind uint8

const (
	KindSocket  Kind = iota // readiness on a network socket
	KindDisk                // completion of an asynchronous disk request
	KindTimer               // timer expiration
	KindBackend             // completion of a backend operation started by an FSM
	KindWake                // wake channel signalled (ITC or AIO completions)
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindDisk:
		return "disk"
	case KindTimer:
		return "timer"
	case KindBackend:
		return "backend"
	case KindWake:
		return "wake"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Op is the interest of a registration, or the direction of a disk request.
// OpNone keeps a registration alive (hangups are still reported) without
// asking for readiness.
type Op uint8

const (
	OpNone  Op = 0
	OpRead  Op = 1 << 0
	OpWrite Op = 1 << 1
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRead | OpWrite:
		return "read|write"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Resource is an opaque handle around a kernel file descriptor.
type Resource struct {
	fd int
}

// NewResource wraps fd.
func NewResource(fd int) Resource { return Resource{fd: fd} }

// Fd returns the wrapped descriptor.
func (r Resource) Fd() int { return r.fd }

// Valid reports whether the resource wraps a descriptor.
func (r Resource) Valid() bool { return r.fd >= 0 }

// Token names a registration in a reactor's resource table. The low 32 bits
// carry a generation counter so that a token outliving its registration can
// be recognised and its late events discarded.
type Token uint64

// NoToken is never handed out by a reactor.
const NoToken Token = 0

// MakeToken packs a slot index and generation.
func MakeToken(slot uint32, gen uint32) Token {
	return Token(uint64(slot)<<32 | uint64(gen))
}

// Slot returns the table index of the token.
func (t Token) Slot() uint32 { return uint32(t >> 32) }

// Gen returns the generation of the token.
func (t Token) Gen() uint32 { return uint32(t) }

func (t Token) String() string {
	return fmt.Sprintf("%d/%d", t.Slot(), t.Gen())
}

// Event is a readiness notification or completion delivered to the owner of
// a registration. Events are built by the reactor per dispatch and must not
// be retained by handlers.
type Event struct {
	Kind   Kind
	Op     Op
	Token  Token
	Result int32 // bytes transferred or a negative errno
	Hangup bool  // peer hung up or the descriptor reported an error

	// Disk completions only.
	Buf    []byte
	Offset int64
}

// Verdict is returned by an owner after it handled an event.
type Verdict uint8

const (
	Continue Verdict = iota // keep the registration
	Close                   // tear down the owner and its registration
	Shutdown                // stop the whole server
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Close:
		return "close"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Handler owns registrations and receives their events.
type Handler interface {
	HandleEvent(ev *Event) Verdict
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev *Event) Verdict

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev *Event) Verdict { return f(ev) }
