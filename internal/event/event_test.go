package event

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenPacking(t *testing.T) {
	tests := []struct {
		slot uint32
		gen  uint32
	}{
		{0, 1},
		{1, 1},
		{42, 7},
		{math.MaxUint32, math.MaxUint32},
	}

	for _, tt := range tests {
		tok := MakeToken(tt.slot, tt.gen)
		assert.Equal(t, tt.slot, tok.Slot())
		assert.Equal(t, tt.gen, tok.Gen())
	}
	assert.NotEqual(t, NoToken, MakeToken(0, 1))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "read|write", (OpRead | OpWrite).String())
	assert.Equal(t, "backend", KindBackend.String())
	assert.Equal(t, "shutdown", Shutdown.String())
	assert.Equal(t, "3/9", MakeToken(3, 9).String())
}

func TestHandlerFunc(t *testing.T) {
	var got *Event
	h := HandlerFunc(func(ev *Event) Verdict {
		got = ev
		return Close
	})
	ev := &Event{Kind: KindSocket, Op: OpRead}
	assert.Equal(t, Close, h.HandleEvent(ev))
	assert.Same(t, ev, got)
}
