// Package reactor implements the per-core event queue.
//
// A Queue owns everything a core touches: its poller, timers, disk I/O
// subsystem, connections, message pools and buffer pool. All of it is used
// only from the goroutine running Queue.Run, which stays locked to one OS
// thread. Other goroutines reach a core through its message hub.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-kvcore/internal/aio"
	"github.com/ehrlich-b/go-kvcore/internal/alloc"
	"github.com/ehrlich-b/go-kvcore/internal/conn"
	"github.com/ehrlich-b/go-kvcore/internal/constants"
	"github.com/ehrlich-b/go-kvcore/internal/event"
	"github.com/ehrlich-b/go-kvcore/internal/hub"
	"github.com/ehrlich-b/go-kvcore/internal/ilist"
	"github.com/ehrlich-b/go-kvcore/internal/interfaces"
	"github.com/ehrlich-b/go-kvcore/internal/itc"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
	"github.com/ehrlich-b/go-kvcore/internal/uring"
)

// ErrStaleToken is returned for a token whose registration is gone.
var ErrStaleToken = errors.New("reactor: stale token")

// Config configures a Queue.
type Config struct {
	Core  int
	Group *hub.Group

	MaxEvents     int
	MaxInflightIO int
	Ring          uring.Config
	// OpenRing creates the disk ring from Ring. Defaults to uring.NewRing.
	OpenRing func(uring.Config) (uring.Ring, error)

	// NewProtocol builds the protocol shared by this core's connections.
	NewProtocol func(q *Queue) conn.Protocol
	// OnSync runs when the core receives a cache-sync message.
	OnSync func() error
	// OnMessage receives hub payloads that are not control messages.
	OnMessage func(payload any)

	Logger   *logging.Logger
	Observer interfaces.Observer
}

// Stats is a snapshot of queue counters. It may be read from any goroutine.
type Stats struct {
	Iterations      uint64
	Events          uint64
	StaleEvents     uint64
	LateCompletions uint64
	TimersFired     uint64
	Accepted        uint64
	Conns           int64
	Messages        uint64
}

// Queue is one core's reactor.
type Queue struct {
	core  int
	group *hub.Group
	hub   *hub.Hub

	poller *poller
	ready  []readiness
	table  table
	timers *timers
	aio    *aio.Subsystem
	wakeFd int

	fsms  ilist.List[conn.Conn, *conn.Conn]
	conns *alloc.Pool[conn.Conn]
	msgs  *alloc.Pool[hub.Message]
	bufs  *alloc.BufferPool
	inbox hub.List

	proto     conn.Protocol
	onSync    func() error
	onMessage func(payload any)
	acceptor  *acceptor

	logger   *logging.Logger
	observer interfaces.Observer

	stopping bool
	fatal    error
	running  atomic.Bool
	closed   atomic.Bool

	stats struct {
		iterations, events, stale, late atomic.Uint64
		timers, accepted, messages      atomic.Uint64
		conns                           atomic.Int64
	}
}

// New creates the queue for cfg.Core. Failure to create any kernel object
// is returned; the caller treats it as fatal.
func New(cfg Config) (*Queue, error) {
	if cfg.Group == nil {
		return nil, fmt.Errorf("reactor: nil hub group")
	}
	if cfg.Core < 0 || cfg.Core >= cfg.Group.Cores() {
		return nil, fmt.Errorf("reactor: core %d out of range [0,%d)", cfg.Core, cfg.Group.Cores())
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = constants.DefaultMaxEvents
	}
	if cfg.MaxInflightIO <= 0 {
		cfg.MaxInflightIO = constants.DefaultMaxInflightIO
	}
	if cfg.Ring.Entries == 0 {
		cfg.Ring.Entries = uint32(cfg.MaxInflightIO)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = interfaces.NopObserver{}
	}
	if cfg.OpenRing == nil {
		cfg.OpenRing = uring.NewRing
	}

	q := &Queue{
		core:      cfg.Core,
		group:     cfg.Group,
		hub:       cfg.Group.Hub(cfg.Core),
		ready:     make([]readiness, cfg.MaxEvents),
		timers:    newTimers(),
		wakeFd:    -1,
		conns:     alloc.NewPool[conn.Conn](constants.ConnSlabSize),
		msgs:      alloc.NewPool[hub.Message](alloc.DefaultSlabSize),
		bufs:      alloc.NewBufferPool(),
		onSync:    cfg.OnSync,
		onMessage: cfg.OnMessage,
		logger:    cfg.Logger.WithCore(cfg.Core),
		observer:  cfg.Observer,
	}

	var err error
	if q.poller, err = newPoller(cfg.MaxEvents); err != nil {
		return nil, err
	}
	if q.wakeFd, err = newWakeFd(); err != nil {
		q.poller.close()
		return nil, err
	}

	ring, err := cfg.OpenRing(cfg.Ring)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("core %d ring: %w", cfg.Core, err)
	}
	q.aio, err = aio.New(ring, aio.Config{
		MaxInflight: cfg.MaxInflightIO,
		Logger:      q.logger,
		Observer:    cfg.Observer,
	})
	if err != nil {
		ring.Close()
		q.Close()
		return nil, fmt.Errorf("core %d aio: %w", cfg.Core, err)
	}

	if _, err := q.watchInternal(q.wakeFd, event.HandlerFunc(q.onWake)); err != nil {
		q.Close()
		return nil, err
	}
	if _, err := q.watchInternal(q.aio.CompletionFd(), event.HandlerFunc(q.onDisk)); err != nil {
		q.Close()
		return nil, err
	}

	wakeFd := q.wakeFd
	q.hub.SetWaker(func() {
		if !q.closed.Load() {
			signalWake(wakeFd)
		}
	})

	if cfg.NewProtocol != nil {
		q.proto = cfg.NewProtocol(q)
	}
	return q, nil
}

// Core returns the core index.
func (q *Queue) Core() int { return q.core }

// Cores returns the number of cores in the group.
func (q *Queue) Cores() int { return q.group.Cores() }

// AIO returns the core's disk I/O subsystem.
func (q *Queue) AIO() *aio.Subsystem { return q.aio }

// Buffers returns the core's buffer pool.
func (q *Queue) Buffers() *alloc.BufferPool { return q.bufs }

// Logger returns the core's logger.
func (q *Queue) Logger() *logging.Logger { return q.logger }

// Observer returns the metrics observer.
func (q *Queue) Observer() interfaces.Observer { return q.observer }

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Iterations:      q.stats.iterations.Load(),
		Events:          q.stats.events.Load(),
		StaleEvents:     q.stats.stale.Load(),
		LateCompletions: q.stats.late.Load(),
		TimersFired:     q.stats.timers.Load(),
		Accepted:        q.stats.accepted.Load(),
		Conns:           q.stats.conns.Load(),
		Messages:        q.stats.messages.Load(),
	}
}

// WatchResource registers interest in res and returns the token that
// identifies the registration in events delivered to owner.
func (q *Queue) WatchResource(res event.Resource, op event.Op, owner event.Handler) (event.Token, error) {
	if !res.Valid() {
		return event.NoToken, fmt.Errorf("reactor: watch invalid resource")
	}
	if owner == nil {
		return event.NoToken, fmt.Errorf("reactor: watch fd=%d without owner", res.Fd())
	}
	tok := q.table.insert(res, op, owner)
	if err := q.poller.add(res.Fd(), tok, op); err != nil {
		q.table.release(tok)
		return event.NoToken, err
	}
	return tok, nil
}

func (q *Queue) watchInternal(fd int, h event.Handler) (event.Token, error) {
	tok, err := q.WatchResource(event.NewResource(fd), event.OpRead, h)
	if err != nil {
		return event.NoToken, err
	}
	q.table.lookup(tok).internal = true
	return tok, nil
}

// ModifyResource changes the readiness a registration waits for.
func (q *Queue) ModifyResource(tok event.Token, op event.Op) error {
	e := q.table.lookup(tok)
	if e == nil {
		return ErrStaleToken
	}
	if e.interest == op {
		return nil
	}
	if err := q.poller.modify(e.res.Fd(), tok, op); err != nil {
		return err
	}
	e.interest = op
	return nil
}

// SetInterest implements conn.Env.
func (q *Queue) SetInterest(tok event.Token, op event.Op) error {
	return q.ModifyResource(tok, op)
}

// ForgetResource deregisters tok. Events and completions still carrying
// tok are discarded from now on. The descriptor itself is not closed.
func (q *Queue) ForgetResource(tok event.Token) error {
	old, ok := q.table.release(tok)
	if !ok {
		return ErrStaleToken
	}
	return q.poller.remove(old.res.Fd())
}

// RegisterFSM adds c to the core's connection registry.
func (q *Queue) RegisterFSM(c *conn.Conn) {
	q.fsms.PushBack(c)
	q.stats.conns.Add(1)
}

// DeregisterFSM removes c from the registry. It reports whether c was
// registered.
func (q *Queue) DeregisterFSM(c *conn.Conn) bool {
	if !q.fsms.Remove(c) {
		return false
	}
	q.stats.conns.Add(-1)
	return true
}

// EachFSM calls fn for every registered connection until fn returns false.
func (q *Queue) EachFSM(fn func(c *conn.Conn) bool) { q.fsms.Each(fn) }

// PostITC queues a control message for core dest. It is delivered after
// the current iteration publishes the hub.
func (q *Queue) PostITC(dest int, msg itc.Message) error {
	if dest < 0 || dest >= q.group.Cores() {
		return fmt.Errorf("reactor: post %s to core %d out of range [0,%d)", msg, dest, q.group.Cores())
	}
	m := q.msgs.Get()
	m.Payload = msg
	q.hub.StoreMessage(dest, m)
	return nil
}

// Post queues an arbitrary payload for core dest.
func (q *Queue) Post(dest int, payload any) error {
	if dest < 0 || dest >= q.group.Cores() {
		return fmt.Errorf("reactor: post to core %d out of range [0,%d)", dest, q.group.Cores())
	}
	m := q.msgs.Get()
	m.Payload = payload
	q.hub.StoreMessage(dest, m)
	return nil
}

// TimerAdd schedules fn every interval, first one interval from now.
func (q *Queue) TimerAdd(interval time.Duration, fn func()) TimerID {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return q.timers.add(time.Now().Add(interval), interval, fn)
}

// TimerOnce schedules fn once after delay.
func (q *Queue) TimerOnce(delay time.Duration, fn func()) TimerID {
	return q.timers.add(time.Now().Add(delay), 0, fn)
}

// CancelTimer stops a timer. It reports whether the timer was pending.
func (q *Queue) CancelTimer(id TimerID) bool { return q.timers.cancel(id) }

// Adopt registers an accepted, nonblocking socket as a new connection.
// On failure fd is closed.
func (q *Queue) Adopt(fd int) error {
	if q.proto == nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: core %d has no protocol", q.core)
	}
	c := q.conns.Get()
	tok, err := q.WatchResource(event.NewResource(fd), event.OpRead, c)
	if err != nil {
		q.conns.Put(c)
		unix.Close(fd)
		return err
	}
	c.Init(NewSocket(fd), q.proto, q, tok)
	q.RegisterFSM(c)
	q.observer.ObserveConn(true)
	q.logger.WithConn(tok.String(), fd).Debug("adopted connection")
	return nil
}

// CompleteBackend delivers the result of a backend operation to the FSM
// registered under tok. A completion for a registration that has since
// been torn down is discarded.
func (q *Queue) CompleteBackend(tok event.Token, res int32) {
	e := q.table.lookup(tok)
	if e == nil {
		q.stats.late.Add(1)
		q.logger.Debug("discarding late completion", "token", tok.String(), "result", res)
		return
	}
	ev := event.Event{Kind: event.KindBackend, Token: tok, Result: res}
	owner := e.owner
	q.apply(tok, owner, owner.HandleEvent(&ev))
}

// Stop asks the core to leave Run. It may be called from any goroutine.
func (q *Queue) Stop() {
	if q.closed.Load() {
		return
	}
	m := &hub.Message{Payload: itc.Message{Kind: itc.Shutdown}}
	if err := q.group.Inject(q.core, m); err != nil {
		q.logger.Warn("stop failed", "error", err)
	}
}

// Run drives the core until it is stopped, ctx is cancelled, or an
// unrecoverable error occurs. It must be called once, and the calling
// goroutine is locked to its OS thread for the duration.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reactor: core %d already running", q.core)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, q.Stop)
	defer stop()

	q.logger.Info("core started", "conns_slab", constants.ConnSlabSize)
	err := q.loop()
	q.teardown()
	if err != nil {
		q.logger.Error("core stopped", "error", err)
		return err
	}
	q.logger.Info("core stopped")
	return nil
}

func (q *Queue) loop() error {
	for !q.stopping {
		n, err := q.poller.wait(q.ready, q.pollTimeout())
		if err != nil {
			return err
		}
		q.stats.iterations.Add(1)
		q.stats.events.Add(uint64(n))

		for i := 0; i < n && q.fatal == nil; i++ {
			q.dispatch(q.ready[i])
		}
		if q.fatal != nil {
			return q.fatal
		}

		if fired := q.timers.run(time.Now()); fired > 0 {
			q.stats.timers.Add(uint64(fired))
		}
		if err := q.aio.Flush(); err != nil {
			return err
		}
		q.hub.PushMessages()
		q.observer.ObserveQueueDepth(uint32(q.aio.Inflight()))
	}
	return nil
}

// pollTimeout bounds the wait by the nearest timer. Disk requests held
// back by a transiently busy ring are retried within a millisecond.
func (q *Queue) pollTimeout() int {
	timeout := q.timers.timeout(time.Now())
	if q.aio.NeedsSubmit() && (timeout < 0 || timeout > 1) {
		timeout = 1
	}
	return timeout
}

func (q *Queue) dispatch(r readiness) {
	e := q.table.lookup(r.tok)
	if e == nil {
		q.stats.stale.Add(1)
		return
	}
	ev := event.Event{Kind: event.KindSocket, Op: r.op, Token: r.tok, Hangup: r.hangup}
	if e.internal {
		ev.Kind = event.KindWake
	}
	owner := e.owner
	q.apply(r.tok, owner, owner.HandleEvent(&ev))
}

func (q *Queue) apply(tok event.Token, owner event.Handler, v event.Verdict) {
	switch v {
	case event.Continue:
	case event.Close:
		if c, ok := owner.(*conn.Conn); ok {
			q.closeConn(c)
			return
		}
		if err := q.ForgetResource(tok); err != nil && !errors.Is(err, ErrStaleToken) {
			q.logger.Warn("forget failed", "token", tok.String(), "error", err)
		}
	case event.Shutdown:
		q.logger.Info("shutdown requested", "token", tok.String())
		q.shutdownAll()
	}
}

func (q *Queue) closeConn(c *conn.Conn) {
	if !q.DeregisterFSM(c) {
		return
	}
	if err := q.ForgetResource(c.Token()); err != nil && !errors.Is(err, ErrStaleToken) {
		q.logger.Debug("forget failed", "conn", c.Token().String(), "error", err)
	}
	if err := c.Close(); err != nil {
		q.logger.Debug("close failed", "conn", c.Token().String(), "error", err)
	}
	q.conns.Put(c)
	q.observer.ObserveConn(false)
}

// shutdownAll tells every other core to stop and stops this one.
func (q *Queue) shutdownAll() {
	for dest := 0; dest < q.group.Cores(); dest++ {
		if dest == q.core {
			continue
		}
		if err := q.PostITC(dest, itc.Message{Kind: itc.Shutdown}); err != nil {
			q.logger.Warn("shutdown post failed", "dest", dest, "error", err)
		}
	}
	q.stopping = true
}

func (q *Queue) onWake(*event.Event) event.Verdict {
	drainWake(q.wakeFd)
	n := q.hub.PullMessages(&q.inbox)
	if n == 0 {
		return event.Continue
	}
	q.stats.messages.Add(uint64(n))
	q.observer.ObserveMessages(n)
	for m := q.inbox.PopFront(); m != nil; m = q.inbox.PopFront() {
		q.handleMessage(m.Payload)
		q.msgs.Put(m)
	}
	return event.Continue
}

func (q *Queue) handleMessage(payload any) {
	msg, ok := payload.(itc.Message)
	if !ok {
		if q.onMessage != nil {
			q.onMessage(payload)
		} else {
			q.logger.Warn("dropping unknown message", "type", fmt.Sprintf("%T", payload))
		}
		return
	}

	switch msg.Kind {
	case itc.Shutdown:
		q.stopping = true
	case itc.NewConn:
		if err := q.Adopt(int(msg.Arg)); err != nil {
			q.logger.Warn("adopt failed", "fd", msg.Arg, "error", err)
		}
	case itc.CacheSync:
		if q.onSync == nil {
			return
		}
		if err := q.onSync(); err != nil {
			q.logger.Error("cache sync failed", "error", err)
		}
	default:
		q.logger.Warn("unknown control message", "msg", msg.String())
	}
}

func (q *Queue) onDisk(*event.Event) event.Verdict {
	if _, err := q.aio.OnCompletionReadable(); err != nil {
		q.fatal = fmt.Errorf("core %d disk completion: %w", q.core, err)
	}
	return event.Continue
}

// teardown closes every connection and the listener, and disposes of
// undelivered messages. Kernel objects stay open until Close.
func (q *Queue) teardown() {
	q.fsms.Each(func(c *conn.Conn) bool {
		q.closeConn(c)
		return true
	})
	if q.acceptor != nil {
		q.acceptor.close()
		q.acceptor = nil
	}

	q.hub.PullMessages(&q.inbox)
	for m := q.inbox.PopFront(); m != nil; m = q.inbox.PopFront() {
		if msg, ok := m.Payload.(itc.Message); ok && msg.Kind == itc.NewConn {
			unix.Close(int(msg.Arg))
		}
		q.msgs.Put(m)
	}
	q.hub.PushMessages()
}

// Close releases the queue's kernel objects. It must not be called while
// Run is active.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.hub.SetWaker(nil)

	var errs []error
	if q.aio != nil {
		errs = append(errs, q.aio.Close())
	}
	if q.wakeFd >= 0 {
		errs = append(errs, unix.Close(q.wakeFd))
		q.wakeFd = -1
	}
	if q.poller != nil {
		errs = append(errs, q.poller.close())
	}
	return errors.Join(errs...)
}
