// Package hub moves messages between cores.
//
// Each core owns one Hub. Producing a message only touches the producer's
// private pending list for the destination. Once per reactor iteration the
// producer publishes every pending list with a constant-time splice into the
// destination's inbox, the only structure guarded by a lock, and the
// destination collects its whole inbox with another splice. Messages from
// one producer to one destination are delivered in order, exactly once.
//
// Queues are unbounded: a producer outrunning its consumer grows the
// consumer's inbox without limit.
package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-kvcore/internal/ilist"
)

// Message is an intrusive, opaque envelope. Ownership passes to the
// destination core when it pulls the message.
type Message struct {
	links   ilist.Links[Message]
	Src     int
	Dest    int
	Payload any
}

// ListLinks implements ilist.Elem.
func (m *Message) ListLinks() *ilist.Links[Message] { return &m.links }

// List is a list of messages.
type List = ilist.List[Message, *Message]

// Group is the set of hubs of one server.
type Group struct {
	hubs []*Hub
}

// NewGroup creates one hub per core.
func NewGroup(cores int) *Group {
	if cores <= 0 {
		cores = 1
	}
	g := &Group{hubs: make([]*Hub, cores)}
	for i := range g.hubs {
		g.hubs[i] = &Hub{
			core:    i,
			group:   g,
			pending: make([]List, cores),
		}
	}
	return g
}

// Cores returns the number of hubs.
func (g *Group) Cores() int { return len(g.hubs) }

// Hub returns the hub of core.
func (g *Group) Hub(core int) *Hub { return g.hubs[core] }

// Inject delivers m straight into the inbox of dest and wakes it. Unlike
// StoreMessage it may be called from any goroutine.
func (g *Group) Inject(dest int, m *Message) error {
	if dest < 0 || dest >= len(g.hubs) {
		return fmt.Errorf("inject: core %d out of range [0,%d)", dest, len(g.hubs))
	}
	m.Src, m.Dest = -1, dest
	d := g.hubs[dest]
	d.mu.Lock()
	d.inbox.PushBack(m)
	d.mu.Unlock()
	d.stats.injected.Add(1)
	d.wake()
	return nil
}

// Hub is the per-core endpoint.
type Hub struct {
	core  int
	group *Group

	// Owner-only: one pending list per destination.
	pending []List

	mu    sync.Mutex
	inbox List

	waker atomic.Pointer[func()]
	stats struct {
		stored, published, pulled, injected atomic.Uint64
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Stored    uint64
	Published uint64
	Pulled    uint64
	Injected  uint64
}

// Core returns the owning core.
func (h *Hub) Core() int { return h.core }

// SetWaker installs the function called after messages are published to
// this hub. It must be cheap and safe to call from any goroutine.
func (h *Hub) SetWaker(fn func()) { h.waker.Store(&fn) }

func (h *Hub) wake() {
	if fn := h.waker.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
}

// StoreMessage queues m for dest on the producer-local pending list. It
// must only be called by the owning core.
func (h *Hub) StoreMessage(dest int, m *Message) {
	if dest < 0 || dest >= len(h.pending) {
		panic(fmt.Sprintf("hub: destination core %d out of range [0,%d)", dest, len(h.pending)))
	}
	m.Src, m.Dest = h.core, dest
	h.pending[dest].PushBack(m)
	h.stats.stored.Add(1)
}

// PushMessages publishes every pending list to its destination and wakes
// each destination that received messages. It returns the number of
// destinations woken.
func (h *Hub) PushMessages() int {
	woken := 0
	for dest := range h.pending {
		l := &h.pending[dest]
		if l.Empty() {
			continue
		}
		n := uint64(l.Len())
		d := h.group.hubs[dest]
		d.mu.Lock()
		d.inbox.AppendAndClear(l)
		d.mu.Unlock()
		h.stats.published.Add(n)
		d.wake()
		woken++
	}
	return woken
}

// PullMessages moves every published message for this core onto out and
// returns how many were moved.
func (h *Hub) PullMessages(out *List) int {
	h.mu.Lock()
	n := h.inbox.Len()
	out.AppendAndClear(&h.inbox)
	h.mu.Unlock()
	h.stats.pulled.Add(uint64(n))
	return n
}

// Pending returns the number of messages stored but not yet published.
// Owner only.
func (h *Hub) Pending() int {
	n := 0
	for i := range h.pending {
		n += h.pending[i].Len()
	}
	return n
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Stored:    h.stats.stored.Load(),
		Published: h.stats.published.Load(),
		Pulled:    h.stats.pulled.Load(),
		Injected:  h.stats.injected.Load(),
	}
}
