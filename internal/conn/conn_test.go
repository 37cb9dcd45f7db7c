package conn

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-kvcore/internal/alloc"
	"github.com/ehrlich-b/go-kvcore/internal/event"
	"github.com/ehrlich-b/go-kvcore/internal/interfaces"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
)

// mockSocket serves queued read chunks and accepts writes up to a budget.
type mockSocket struct {
	reads  [][]byte // nil entry means orderly EOF
	out    []byte
	budget int // bytes accepted before ErrWouldBlock; <0 is unlimited
	closed bool
	errOn  error
}

func (s *mockSocket) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, ErrWouldBlock
	}
	chunk := s.reads[0]
	s.reads = s.reads[1:]
	if chunk == nil {
		return 0, nil
	}
	return copy(p, chunk), nil
}

func (s *mockSocket) Write(p []byte) (int, error) {
	if s.errOn != nil {
		return 0, s.errOn
	}
	n := len(p)
	if s.budget >= 0 {
		if s.budget == 0 {
			return 0, ErrWouldBlock
		}
		if n > s.budget {
			n = s.budget
		}
		s.budget -= n
	}
	s.out = append(s.out, p[:n]...)
	return n, nil
}

func (s *mockSocket) Close() error { s.closed = true; return nil }
func (s *mockSocket) Fd() int      { return 9 }

type recordingObserver struct {
	interfaces.NopObserver
	verbs []string
	fails int
}

func (o *recordingObserver) ObserveRequest(verb string, _ uint64, ok bool) {
	o.verbs = append(o.verbs, verb)
	if !ok {
		o.fails++
	}
}

// mockEnv stands in for the reactor.
type mockEnv struct {
	pool     *alloc.BufferPool
	interest event.Op
	conn     *Conn
	verdicts []event.Verdict
	obs      *recordingObserver
	stale    bool
}

func newMockEnv() *mockEnv {
	return &mockEnv{pool: alloc.NewBufferPool(), interest: event.OpRead, obs: &recordingObserver{}}
}

func (e *mockEnv) SetInterest(_ event.Token, op event.Op) error {
	e.interest = op
	return nil
}
func (e *mockEnv) Buffers() *alloc.BufferPool    { return e.pool }
func (e *mockEnv) Logger() *logging.Logger       { return logging.Nop() }
func (e *mockEnv) Observer() interfaces.Observer { return e.obs }
func (e *mockEnv) CompleteBackend(tok event.Token, res int32) {
	if e.stale || e.conn == nil || e.conn.Token() != tok {
		return
	}
	e.verdicts = append(e.verdicts, e.conn.HandleEvent(&event.Event{Kind: event.KindBackend, Token: tok, Result: res}))
}

// lineProto is a toy protocol: "GET k" echoes, "ASYNC k" goes through a
// backend op, "QUIT" stops. "BAD" is malformed, "STUCK" is malformed
// without consuming anything, and a line longer than maxLine overflows.
type lineProto struct {
	lastOp *mockOp
}

const maxLine = 16

type mockOp struct {
	key      string
	done     func(int32)
	startErr error
}

func (o *mockOp) Start(done func(int32)) error {
	if o.startErr != nil {
		return o.startErr
	}
	o.done = done
	return nil
}

func (o *mockOp) Finish(res int32, out *alloc.Buffer) {
	out.AppendString("DONE " + o.key + "\n")
}

func (p *lineProto) Parse(in []byte) (Request, int, error) {
	i := strings.IndexByte(string(in), '\n')
	if i < 0 {
		if len(in) > maxLine {
			return nil, len(in), fmt.Errorf("line too long (%w)", ErrOverflow)
		}
		return nil, 0, nil
	}
	line := string(in[:i])
	switch line {
	case "BAD":
		return nil, i + 1, errors.New("bad request")
	case "STUCK":
		return nil, 0, errors.New("stuck")
	}
	return line, i + 1, nil
}

func (p *lineProto) Discard(in []byte) (int, bool) {
	if i := strings.IndexByte(string(in), '\n'); i >= 0 {
		return i + 1, true
	}
	return len(in), false
}

func (p *lineProto) Execute(req Request, out *alloc.Buffer) Result {
	line := req.(string)
	switch {
	case line == "QUIT":
		return Result{Outcome: Shutdown, Verb: "QUIT"}
	case strings.HasPrefix(line, "ASYNC "):
		p.lastOp = &mockOp{key: strings.TrimPrefix(line, "ASYNC ")}
		return Result{Outcome: Async, Op: p.lastOp, Verb: "ASYNC"}
	default:
		out.AppendString("VALUE " + strings.TrimPrefix(line, "GET ") + "\n")
		return Result{Outcome: Reply, Verb: "GET"}
	}
}

func (p *lineProto) WriteError(err error, out *alloc.Buffer) {
	out.AppendString("ERROR " + err.Error() + "\n")
}

var readable = &event.Event{Kind: event.KindSocket, Op: event.OpRead}
var writable = &event.Event{Kind: event.KindSocket, Op: event.OpWrite}

func newConn(sock *mockSocket) (*Conn, *mockEnv, *lineProto) {
	env := newMockEnv()
	proto := &lineProto{}
	c := New(sock, proto, env, event.MakeToken(1, 1))
	env.conn = c
	return c, env, proto
}

func TestSplitRequestMatchesSingleRead(t *testing.T) {
	whole := &mockSocket{reads: [][]byte{[]byte("GET k\n")}, budget: -1}
	c1, _, _ := newConn(whole)
	assert.Equal(t, event.Continue, c1.HandleEvent(readable))

	split := &mockSocket{reads: [][]byte{[]byte("GE")}, budget: -1}
	c2, env2, _ := newConn(split)
	assert.Equal(t, event.Continue, c2.HandleEvent(readable))
	assert.Equal(t, StateRecvIncomplete, c2.State())
	assert.Empty(t, split.out)

	split.reads = append(split.reads, []byte("T k\n"))
	assert.Equal(t, event.Continue, c2.HandleEvent(readable))

	assert.Equal(t, "VALUE k\n", string(whole.out))
	assert.Equal(t, string(whole.out), string(split.out))
	assert.Equal(t, uint64(1), env2.pool.Stats().Gets, "one buffer serves the whole exchange")
}

func TestFullWriteReturnsToConnected(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("GET key\n")}, budget: -1}
	c, env, _ := newConn(sock)

	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, StateConnected, c.State())
	assert.Nil(t, c.Buffer(), "buffer is released after the exchange")
	assert.Equal(t, uint64(0), env.pool.Stats().Outstanding())
	assert.Equal(t, event.OpRead, env.interest)
	assert.Equal(t, []string{"GET"}, env.obs.verbs)
}

func TestPartialWrite(t *testing.T) {
	reply := "VALUE abcdefgh\n"
	sock := &mockSocket{reads: [][]byte{[]byte("GET abcdefgh\n")}, budget: len(reply) / 2}
	c, env, _ := newConn(sock)

	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	require.Equal(t, StateSendIncomplete, c.State())
	require.NotNil(t, c.Buffer())
	assert.Equal(t, len(reply)/2, c.Buffer().Sent(), "sent cursor matches bytes accepted")
	assert.Equal(t, len(reply), c.Buffer().Buffered())
	assert.LessOrEqual(t, c.Buffer().Sent(), c.Buffer().Buffered())
	assert.Equal(t, event.OpWrite, env.interest)

	// Readability while a send is pending is ignored.
	sock.reads = append(sock.reads, []byte("GET other\n"))
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, StateSendIncomplete, c.State())

	sock.budget = -1
	assert.Equal(t, event.Continue, c.HandleEvent(writable))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, reply, string(sock.out))
	assert.Nil(t, c.Buffer())
	assert.Equal(t, event.OpRead, env.interest)
}

func TestZeroLengthReadCloses(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		c, _, _ := newConn(&mockSocket{reads: [][]byte{nil}, budget: -1})
		assert.Equal(t, event.Close, c.HandleEvent(readable))
	})
	t.Run("recv incomplete", func(t *testing.T) {
		c, _, _ := newConn(&mockSocket{reads: [][]byte{[]byte("GET"), nil}, budget: -1})
		require.Equal(t, event.Continue, c.HandleEvent(readable))
		require.Equal(t, StateRecvIncomplete, c.State())
		assert.Equal(t, event.Close, c.HandleEvent(readable))
	})
}

func TestCloseReleasesBuffer(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("GET")}, budget: -1}
	c, env, _ := newConn(sock)
	c.HandleEvent(readable)
	require.Equal(t, uint64(1), env.pool.Stats().Outstanding())

	require.NoError(t, c.Close())
	assert.True(t, sock.closed)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, uint64(0), env.pool.Stats().Outstanding())
	assert.Equal(t, event.Close, c.HandleEvent(readable))
	assert.NoError(t, c.Close())
}

func TestIdleWouldBlockHoldsNoBuffer(t *testing.T) {
	c, env, _ := newConn(&mockSocket{budget: -1})
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, StateConnected, c.State())
	assert.Nil(t, c.Buffer())
	assert.Equal(t, uint64(0), env.pool.Stats().Outstanding())
}

func TestMalformedRequest(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("BAD\n")}, budget: -1}
	c, env, _ := newConn(sock)
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "ERROR bad request\n", string(sock.out))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, env.obs.fails)
}

func TestPipelinedRequests(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("GET a\nGET b\nGE")}, budget: -1}
	c, env, _ := newConn(sock)
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "VALUE a\nVALUE b\n", string(sock.out))
	assert.Equal(t, StateRecvIncomplete, c.State())

	sock.reads = append(sock.reads, []byte("T c\n"))
	c.HandleEvent(readable)
	assert.Equal(t, "VALUE a\nVALUE b\nVALUE c\n", string(sock.out))
	assert.LessOrEqual(t, env.pool.Stats().Outstanding(), uint64(1))
}

func TestAsyncOperation(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("ASYNC k\n")}, budget: -1}
	c, env, proto := newConn(sock)

	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	require.Equal(t, StateBackendIncomplete, c.State())
	assert.Equal(t, event.OpNone, env.interest)
	assert.Empty(t, sock.out)

	// Socket readiness does not disturb a pending backend operation.
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, StateBackendIncomplete, c.State())

	require.NotNil(t, proto.lastOp.done)
	proto.lastOp.done(0)
	assert.Equal(t, []event.Verdict{event.Continue}, env.verdicts)
	assert.Equal(t, "DONE k\n", string(sock.out))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, event.OpRead, env.interest)
}

func TestAsyncReplyPartialWrite(t *testing.T) {
	reply := "DONE abcdefgh\n"
	sock := &mockSocket{reads: [][]byte{[]byte("ASYNC abcdefgh\n")}, budget: len(reply) / 2}
	c, env, proto := newConn(sock)

	require.Equal(t, event.Continue, c.HandleEvent(readable))
	require.Equal(t, StateBackendIncomplete, c.State())

	proto.lastOp.done(0)
	assert.Equal(t, []event.Verdict{event.Continue}, env.verdicts)
	require.Equal(t, StateSendIncomplete, c.State())
	assert.Equal(t, event.OpWrite, env.interest)
	assert.Equal(t, reply[:len(reply)/2], string(sock.out))
	assert.Equal(t, len(reply)/2, c.Buffer().Sent())

	sock.budget = -1
	assert.Equal(t, event.Continue, c.HandleEvent(writable))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, reply, string(sock.out))
	assert.Nil(t, c.Buffer())
	assert.Equal(t, event.OpRead, env.interest)
	assert.Equal(t, []string{"ASYNC"}, env.obs.verbs)
}

func TestAsyncStartFailure(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("ASYNC k\n")}, budget: -1}
	env := newMockEnv()
	proto := &failingProto{lineProto{}}
	c := New(sock, proto, env, event.MakeToken(1, 1))

	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "ERROR no space\n", string(sock.out))
	assert.Equal(t, StateConnected, c.State())
}

type failingProto struct{ lineProto }

func (p *failingProto) Execute(req Request, out *alloc.Buffer) Result {
	r := p.lineProto.Execute(req, out)
	if r.Op != nil {
		r.Op.(*mockOp).startErr = errors.New("no space")
	}
	return r
}

func TestUnexpectedBackendCompletionIgnored(t *testing.T) {
	c, _, _ := newConn(&mockSocket{budget: -1})
	assert.Equal(t, event.Continue, c.HandleEvent(&event.Event{Kind: event.KindBackend}))
	assert.Equal(t, StateConnected, c.State())
}

func TestShutdownRequest(t *testing.T) {
	c, _, _ := newConn(&mockSocket{reads: [][]byte{[]byte("QUIT\n")}, budget: -1})
	assert.Equal(t, event.Shutdown, c.HandleEvent(readable))
}

func TestWriteErrorCloses(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("GET k\n")}, errOn: errors.New("reset")}
	c, _, _ := newConn(sock)
	assert.Equal(t, event.Close, c.HandleEvent(readable))
}

func TestHangupWhileSending(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("GET k\n")}, budget: 0}
	c, _, _ := newConn(sock)
	require.Equal(t, event.Continue, c.HandleEvent(readable))
	require.Equal(t, StateSendIncomplete, c.State())
	assert.Equal(t, event.Close, c.HandleEvent(&event.Event{Kind: event.KindSocket, Hangup: true}))
}

func TestOverflowSpanningReads(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("GET " + strings.Repeat("x", 20))}, budget: -1}
	c, env, _ := newConn(sock)

	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "ERROR line too long (unterminated)\n", string(sock.out))

	// The tail of the same line is dropped without a second reply, even
	// when it looks like a request of its own.
	sock.reads = append(sock.reads, []byte("yyyyQUIT"))
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, StateRecvIncomplete, c.State())

	sock.reads = append(sock.reads, []byte("\nGET a\n"))
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "ERROR line too long (unterminated)\nVALUE a\n", string(sock.out))
	assert.Equal(t, StateConnected, c.State())
	assert.Nil(t, c.Buffer())
	assert.Equal(t, uint64(0), env.pool.Stats().Outstanding())
	assert.Equal(t, 1, env.obs.fails)
}

func TestOverflowEndingInSameRead(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte(strings.Repeat("x", 20))}, budget: -1}
	c, _, _ := newConn(sock)
	c.HandleEvent(readable)

	sock.reads = append(sock.reads, []byte("x\nGET b\nGET c\n"))
	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "ERROR line too long (unterminated)\nVALUE b\nVALUE c\n", string(sock.out))
	assert.Equal(t, StateConnected, c.State())
}

func TestErrorWithoutProgressDropsBuffer(t *testing.T) {
	sock := &mockSocket{reads: [][]byte{[]byte("STUCK\nGET a\n")}, budget: -1}
	c, env, _ := newConn(sock)

	assert.Equal(t, event.Continue, c.HandleEvent(readable))
	assert.Equal(t, "ERROR stuck\n", string(sock.out), "everything buffered is discarded")
	assert.Equal(t, StateConnected, c.State())
	assert.Nil(t, c.Buffer())
	assert.Equal(t, uint64(0), env.pool.Stats().Outstanding())
}
