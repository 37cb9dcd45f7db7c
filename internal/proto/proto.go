package proto

import (
	"errors"
	"strings"

	"github.com/ehrlich-b/go-kvcore/internal/alloc"
	"github.com/ehrlich-b/go-kvcore/internal/conn"
	"github.com/ehrlich-b/go-kvcore/internal/itc"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
	"github.com/ehrlich-b/go-kvcore/internal/store"
)

// SyncCore is the core that performs store checkpoints.
const SyncCore = 0

// Core is what the protocol needs from the reactor it runs on.
type Core interface {
	Core() int
	PostITC(dest int, msg itc.Message) error
	Logger() *logging.Logger
}

// Protocol serves requests for the connections of one core.
type Protocol struct {
	core   Core
	view   *store.View
	maxLen int
	logger *logging.Logger
}

// New returns a protocol bound to core. view performs the core's store
// I/O; maxLen bounds a request line.
func New(core Core, view *store.View, maxLen int) *Protocol {
	return &Protocol{
		core:   core,
		view:   view,
		maxLen: maxLen,
		logger: core.Logger().WithComponent("proto"),
	}
}

// Parse implements conn.Protocol.
func (p *Protocol) Parse(in []byte) (conn.Request, int, error) {
	req, n, err := Parse(in, p.maxLen)
	if err != nil || n == 0 {
		return nil, n, err
	}
	return req, n, nil
}

// Discard implements conn.Protocol.
func (p *Protocol) Discard(in []byte) (int, bool) { return SkipLine(in) }

// Execute implements conn.Protocol.
func (p *Protocol) Execute(r conn.Request, out *alloc.Buffer) conn.Result {
	req := r.(Request)
	verb := strings.ToLower(string(req.Verb))
	reply := conn.Result{Outcome: conn.Reply, Verb: verb}

	switch req.Verb {
	case VerbPing:
		out.AppendString("PONG\n")

	case VerbGet:
		if v, ok := p.view.Get(req.Key); ok {
			writeValue(out, v)
			return reply
		}
		page, err := p.view.Store().Pin(req.Key)
		if errors.Is(err, store.ErrNotFound) {
			out.AppendString("NOT_FOUND\n")
			return reply
		}
		if err != nil {
			p.logger.WithRequest("GET", req.Key).Warn("index lookup failed", "error", err)
			p.WriteError(err, out)
			return reply
		}
		return conn.Result{Outcome: conn.Async, Op: &getOp{view: p.view, key: req.Key, page: page}, Verb: verb}

	case VerbSet:
		return conn.Result{Outcome: conn.Async, Op: &setOp{view: p.view, key: req.Key, value: req.Value}, Verb: verb}

	case VerbDel:
		err := p.view.Store().Delete(req.Key)
		switch {
		case err == nil:
			out.AppendString("OK\n")
		case errors.Is(err, store.ErrNotFound):
			out.AppendString("NOT_FOUND\n")
		default:
			p.logger.WithRequest("DEL", req.Key).Warn("delete failed", "error", err)
			p.WriteError(err, out)
		}

	case VerbSync:
		if err := p.core.PostITC(SyncCore, itc.Message{Kind: itc.CacheSync}); err != nil {
			p.WriteError(err, out)
			return reply
		}
		out.AppendString("OK\n")

	case VerbShutdown:
		p.logger.Info("shutdown requested by client")
		return conn.Result{Outcome: conn.Shutdown, Verb: verb}
	}
	return reply
}

// WriteError implements conn.Protocol.
func (p *Protocol) WriteError(err error, out *alloc.Buffer) {
	writeError(err, out)
}

func writeError(err error, out *alloc.Buffer) {
	out.AppendString("ERROR ")
	out.AppendString(strings.ReplaceAll(err.Error(), "\n", " "))
	out.AppendString("\n")
}

func writeValue(out *alloc.Buffer, v []byte) {
	out.AppendString("VALUE ")
	out.Append(v)
	out.AppendString("\n")
}

// getOp reads a value that missed the cache.
type getOp struct {
	view  *store.View
	key   string
	page  uint32
	value []byte
	err   error
}

func (o *getOp) Start(done func(int32)) error {
	return o.view.Read(o.key, o.page, func(value []byte, err error) {
		o.value, o.err = value, err
		if err != nil {
			done(-1)
			return
		}
		done(int32(len(value)))
	})
}

func (o *getOp) Finish(res int32, out *alloc.Buffer) {
	if o.err != nil {
		writeError(o.err, out)
		return
	}
	writeValue(out, o.value)
}

// setOp writes a value and acknowledges once it is indexed.
type setOp struct {
	view  *store.View
	key   string
	value []byte
	err   error
}

func (o *setOp) Start(done func(int32)) error {
	return o.view.Write(o.key, o.value, func(err error) {
		o.err = err
		if err != nil {
			done(-1)
			return
		}
		done(0)
	})
}

func (o *setOp) Finish(res int32, out *alloc.Buffer) {
	if o.err != nil {
		writeError(o.err, out)
		return
	}
	out.AppendString("OK\n")
}
