package reactor

import (
	"github.com/ehrlich-b/go-kvcore/internal/event"
)

// entry is one registration slot. gen advances every time the slot is
// released, so tokens minted for an earlier occupant no longer match.
type entry struct {
	gen      uint32
	active   bool
	internal bool
	res      event.Resource
	interest event.Op
	owner    event.Handler
}

// table maps tokens to registrations.
type table struct {
	entries []entry
	free    []uint32
	active  int
}

func (t *table) insert(res event.Resource, op event.Op, owner event.Handler) event.Token {
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = uint32(len(t.entries))
		t.entries = append(t.entries, entry{gen: 1})
	}
	e := &t.entries[slot]
	e.active = true
	e.internal = false
	e.res = res
	e.interest = op
	e.owner = owner
	t.active++
	return event.MakeToken(slot, e.gen)
}

// lookup returns the live entry tok refers to, or nil when the token is
// stale or was never issued.
func (t *table) lookup(tok event.Token) *entry {
	slot := tok.Slot()
	if int(slot) >= len(t.entries) {
		return nil
	}
	e := &t.entries[slot]
	if !e.active || e.gen != tok.Gen() {
		return nil
	}
	return e
}

func (t *table) release(tok event.Token) (entry, bool) {
	e := t.lookup(tok)
	if e == nil {
		return entry{}, false
	}
	old := *e
	e.active = false
	e.owner = nil
	e.res = event.Resource{}
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	t.free = append(t.free, tok.Slot())
	t.active--
	return old, true
}
