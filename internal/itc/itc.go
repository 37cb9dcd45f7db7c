// Package itc defines the control messages cores send each other through
// the message hub.
package itc

import "fmt"

// Kind selects the action the receiving core performs.
type Kind uint8

const (
	// Shutdown stops the receiving reactor.
	Shutdown Kind = iota + 1
	// NewConn hands an accepted socket (Arg) to the receiving core.
	NewConn
	// CacheSync asks the receiving core to checkpoint the store.
	CacheSync
)

func (k Kind) String() string {
	switch k {
	case Shutdown:
		return "shutdown"
	case NewConn:
		return "new_conn"
	case CacheSync:
		return "cache_sync"
	default:
		return fmt.Sprintf("itc(%d)", uint8(k))
	}
}

// Message is carried as the payload of a hub message.
type Message struct {
	Kind Kind
	Arg  int32
}

func (m Message) String() string {
	if m.Kind == NewConn {
		return fmt.Sprintf("%s fd=%d", m.Kind, m.Arg)
	}
	return m.Kind.String()
}
