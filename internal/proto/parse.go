// Package proto implements the line protocol spoken to clients.
//
// Each request is one line terminated by "\n" (an optional "\r" before it
// is ignored):
//
//	GET <key>          -> VALUE <value> | NOT_FOUND
//	SET <key> <value>  -> OK
//	DEL <key>          -> OK | NOT_FOUND
//	SYNC               -> OK
//	PING               -> PONG
//	SHUTDOWN           -> (server stops)
//
// Anything else is answered with "ERROR <reason>".
package proto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-kvcore/internal/conn"
	"github.com/ehrlich-b/go-kvcore/internal/constants"
)

// ErrMalformed marks a request the server could not parse.
var ErrMalformed = errors.New("malformed request")

// Verb names a request type.
type Verb string

const (
	VerbGet      Verb = "GET"
	VerbSet      Verb = "SET"
	VerbDel      Verb = "DEL"
	VerbSync     Verb = "SYNC"
	VerbPing     Verb = "PING"
	VerbShutdown Verb = "SHUTDOWN"
)

// Request is a parsed request line.
type Request struct {
	Verb  Verb
	Key   string
	Value []byte
}

// Parse extracts the next request from in. It returns consumed == 0 and no
// error while the line is incomplete. A line longer than maxLen is
// malformed. If its terminator has not arrived yet, everything buffered is
// consumed and the error wraps conn.ErrOverflow; the rest of the line must
// then be skipped with SkipLine.
func Parse(in []byte, maxLen int) (Request, int, error) {
	if maxLen <= 0 {
		maxLen = constants.DefaultMaxRequestSize
	}
	end := bytes.IndexByte(in, '\n')
	if end < 0 {
		if len(in) > maxLen {
			return Request{}, len(in), fmt.Errorf("%w: line exceeds %d bytes (%w)", ErrMalformed, maxLen, conn.ErrOverflow)
		}
		return Request{}, 0, nil
	}
	consumed := end + 1
	if end > maxLen {
		return Request{}, consumed, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxLen)
	}
	line := bytes.TrimSuffix(in[:end], []byte{'\r'})

	verb, rest, _ := bytes.Cut(line, []byte{' '})
	if len(verb) == 0 {
		return Request{}, consumed, fmt.Errorf("%w: empty request", ErrMalformed)
	}
	req := Request{Verb: Verb(strings.ToUpper(string(verb)))}

	switch req.Verb {
	case VerbGet, VerbDel:
		if len(rest) == 0 || bytes.IndexByte(rest, ' ') >= 0 {
			return Request{}, consumed, fmt.Errorf("%w: %s takes one key", ErrMalformed, req.Verb)
		}
		req.Key = string(rest)
	case VerbSet:
		key, value, ok := bytes.Cut(rest, []byte{' '})
		if len(key) == 0 || !ok {
			return Request{}, consumed, fmt.Errorf("%w: SET takes a key and a value", ErrMalformed)
		}
		req.Key = string(key)
		req.Value = append(make([]byte, 0, len(value)), value...)
	case VerbSync, VerbPing, VerbShutdown:
		if len(rest) != 0 {
			return Request{}, consumed, fmt.Errorf("%w: %s takes no arguments", ErrMalformed, req.Verb)
		}
	default:
		return Request{}, consumed, fmt.Errorf("%w: unknown command %q", ErrMalformed, string(verb))
	}
	return req, consumed, nil
}

// SkipLine consumes in up to and including the next terminator. done
// reports whether the terminator was found.
func SkipLine(in []byte) (consumed int, done bool) {
	if end := bytes.IndexByte(in, '\n'); end >= 0 {
		return end + 1, true
	}
	return len(in), false
}
