// Package kvcore provides the main API for running a per-core reactor
// key-value server
package kvcore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-kvcore/internal/admin"
	"github.com/ehrlich-b/go-kvcore/internal/affinity"
	"github.com/ehrlich-b/go-kvcore/internal/conn"
	"github.com/ehrlich-b/go-kvcore/internal/constants"
	"github.com/ehrlich-b/go-kvcore/internal/hub"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
	"github.com/ehrlich-b/go-kvcore/internal/proto"
	"github.com/ehrlich-b/go-kvcore/internal/reactor"
	"github.com/ehrlich-b/go-kvcore/internal/store"
	"github.com/ehrlich-b/go-kvcore/internal/uring"
)

// Server is a running key-value server: one reactor core per CPU sharing a
// page store.
type Server struct {
	// ID identifies this server instance in logs and stats
	ID string

	params Params
	addr   string
	start  time.Time

	store  *store.Store
	group  *hub.Group
	queues []*reactor.Queue
	admin  *admin.Server

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	gcRunning atomic.Bool
	stopOnce  sync.Once

	// Metrics and observability
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// Options contains additional options for server creation
type Options struct {
	// Logger for server messages (if nil, uses the default logger)
	Logger *logging.Logger

	// Observer receives measurements in addition to the built-in metrics
	Observer Observer
}

// CreateAndServe opens the store, starts one reactor core per configured
// core and begins accepting clients on params.ListenAddr.
//
// The server keeps serving until:
// - The context is cancelled
// - Shutdown is called
// - A client sends SHUTDOWN
// - A core fails
//
// Example:
//
//	params := kvcore.DefaultParams()
//	params.DataDir = "/var/lib/kvcore"
//	srv, err := kvcore.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params Params, options *Options) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	kind, _ := uring.ParseKind(params.AIOEngine)

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	// Initialize metrics and observer
	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	s := &Server{
		ID:       uuid.NewString(),
		params:   params,
		start:    time.Now(),
		group:    hub.NewGroup(params.Cores),
		done:     make(chan struct{}),
		metrics:  metrics,
		observer: observer,
		logger:   logger.WithComponent("server"),
	}

	st, err := store.Open(store.Options{
		Dir:           params.DataDir,
		PageSize:      params.PageSize,
		CacheSize:     params.CacheSize,
		InMemoryIndex: params.InMemoryIndex,
		Logger:        logger,
	})
	if err != nil {
		return nil, &Error{Op: "OPEN_STORE", Core: -1, Code: ErrCodeStoreUnavailable, Msg: err.Error(), Inner: err}
	}
	s.store = st

	lfd, err := reactor.Listen(params.ListenAddr)
	if err != nil {
		st.Close()
		return nil, WrapError("LISTEN", err)
	}
	if addr, err := reactor.LocalAddr(lfd); err == nil {
		s.addr = addr.String()
	} else {
		s.addr = params.ListenAddr
	}

	s.queues = make([]*reactor.Queue, params.Cores)
	for i := range s.queues {
		q, err := reactor.New(reactor.Config{
			Core:          i,
			Group:         s.group,
			MaxEvents:     params.MaxEvents,
			MaxInflightIO: params.MaxInflightIO,
			Ring:          uring.Config{Entries: uint32(params.MaxInflightIO), Kind: kind},
			NewProtocol: func(q *reactor.Queue) conn.Protocol {
				return proto.New(q, st.View(q.AIO()), params.MaxRequestSize)
			},
			OnSync:   s.sync,
			Logger:   logger,
			Observer: observer,
		})
		if err != nil {
			unix.Close(lfd)
			s.release()
			return nil, NewCoreError("CREATE_CORE", i, ErrCodeIOError, err)
		}
		s.queues[i] = q
	}

	if params.AdminAddr != "" {
		s.admin = admin.New(adminSource{s}, logger)
		if err := s.admin.Start(params.AdminAddr); err != nil {
			s.admin = nil
			unix.Close(lfd)
			s.release()
			return nil, WrapError("ADMIN_LISTEN", err)
		}
	}

	// Core 0 owns the listener and store maintenance
	if err := s.queues[0].Listen(lfd); err != nil {
		unix.Close(lfd)
		s.release()
		return nil, NewCoreError("LISTEN", 0, ErrCodeIOError, err)
	}
	if params.SyncInterval > 0 {
		s.queues[0].TimerAdd(params.SyncInterval, func() {
			if err := s.sync(); err != nil {
				s.logger.Warn("periodic sync failed", "error", err)
			}
		})
	}
	if params.GCInterval > 0 {
		s.queues[0].TimerAdd(params.GCInterval, s.startGC)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	for i, q := range s.queues {
		i, q := i, q
		eg.Go(func() error {
			return s.runCore(egCtx, i, q)
		})
	}
	go s.wait(eg)

	s.logger.Info("server started",
		"id", s.ID,
		"addr", s.addr,
		"cores", params.Cores,
		"aio", string(kind),
		"page_size", humanize.IBytes(uint64(params.PageSize)),
		"cache", humanize.IBytes(uint64(params.CacheSize)),
		"pinned", params.PinCores)
	return s, nil
}

// runCore drives one reactor on a locked, optionally pinned, OS thread.
func (s *Server) runCore(ctx context.Context, i int, q *reactor.Queue) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.params.PinCores {
		cpu, err := affinity.Pin(i)
		if err != nil {
			s.logger.Warn("core pinning failed", "core", i, "error", err)
		} else {
			s.logger.Debug("core pinned", "core", i, "cpu", cpu)
		}
	}
	if err := q.Run(ctx); err != nil {
		return NewCoreError("RUN_CORE", i, ErrCodeIOError, err)
	}
	return nil
}

// wait releases every resource once all cores have returned.
func (s *Server) wait(eg *errgroup.Group) {
	err := eg.Wait()
	s.cancel()
	if err != nil {
		s.logger.WithError(err).Error("server stopped")
	}
	s.metrics.Stop()
	if cerr := s.release(); cerr != nil {
		s.logger.WithError(cerr).Warn("release failed")
		if err == nil {
			err = WrapError("RELEASE", cerr)
		}
	}
	s.err = err
	s.logger.Info("server stopped", "uptime", time.Since(s.start).Round(time.Millisecond).String())
	close(s.done)
}

// release closes queues, the admin endpoint and the store. Cores must not
// be running.
func (s *Server) release() error {
	var errs []error
	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, s.admin.Shutdown(ctx))
		cancel()
	}
	for _, q := range s.queues {
		if q != nil {
			errs = append(errs, q.Close())
		}
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// sync checkpoints the store. It runs on core 0.
func (s *Server) sync() error {
	start := time.Now()
	if err := s.store.Sync(); err != nil {
		return err
	}
	s.logger.Debug("store synced", "took", time.Since(start).String())
	return nil
}

// startGC runs index value-log GC off the reactor thread, one pass at a time.
func (s *Server) startGC() {
	if !s.gcRunning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.gcRunning.Store(false)
		n, err := s.store.RunGC()
		if err != nil {
			s.logger.Warn("index gc failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("index gc", "rewritten", n)
		}
	}()
}

// Wait blocks until the server has stopped and returns the error that
// stopped it, if any.
func (s *Server) Wait() error {
	<-s.done
	return s.err
}

// Done is closed once the server has stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// Shutdown stops every core and waits for them to exit, bounded by ctx.
func Shutdown(ctx context.Context, s *Server) error {
	if s == nil {
		return ErrInvalidParameters
	}
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		s.cancel()
	})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.ShutdownGrace)
		defer cancel()
	}
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return &Error{Op: "SHUTDOWN", Core: -1, Code: ErrCodeTimeout, Msg: "cores did not stop in time", Inner: ctx.Err()}
	}
}

// ServerState represents the current state of a server
type ServerState string

const (
	// ServerStateRunning indicates the cores are serving clients
	ServerStateRunning ServerState = "running"
	// ServerStateStopped indicates every core has exited
	ServerStateStopped ServerState = "stopped"
)

// State returns the current state of the server
func (s *Server) State() ServerState {
	if s == nil {
		return ServerStateStopped
	}
	select {
	case <-s.done:
		return ServerStateStopped
	default:
		return ServerStateRunning
	}
}

// IsRunning returns true if the server is currently serving clients
func (s *Server) IsRunning() bool {
	return s.State() == ServerStateRunning
}

// Addr returns the address clients connect to
func (s *Server) Addr() string { return s.addr }

// AdminAddr returns the admin endpoint address, or "" when disabled
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// NumCores returns the number of reactor cores
func (s *Server) NumCores() int { return len(s.queues) }

// ServerInfo contains comprehensive information about a server
type ServerInfo struct {
	ID        string      `json:"id"`
	Addr      string      `json:"addr"`
	AdminAddr string      `json:"admin_addr,omitempty"`
	State     ServerState `json:"state"`
	Cores     int         `json:"cores"`
	PinCores  bool        `json:"pin_cores"`
	AIOEngine string      `json:"aio_engine"`
	DataDir   string      `json:"data_dir"`
	PageSize  int         `json:"page_size"`
	CacheSize int64       `json:"cache_size"`
	Running   bool        `json:"running"`
}

// Info returns comprehensive information about the server
func (s *Server) Info() ServerInfo {
	if s == nil {
		return ServerInfo{}
	}

	state := s.State()
	return ServerInfo{
		ID:        s.ID,
		Addr:      s.addr,
		AdminAddr: s.AdminAddr(),
		State:     state,
		Cores:     len(s.queues),
		PinCores:  s.params.PinCores,
		AIOEngine: s.params.AIOEngine,
		DataDir:   s.params.DataDir,
		PageSize:  s.params.PageSize,
		CacheSize: s.params.CacheSize,
		Running:   state == ServerStateRunning,
	}
}

// CoreStats is the per-core view reported by Stats.
type CoreStats struct {
	Core int `json:"core"`
	reactor.Stats
}

// Stats is everything the admin endpoint reports.
type Stats struct {
	Info    ServerInfo      `json:"info"`
	Metrics MetricsSnapshot `json:"metrics"`
	Store   store.Stats     `json:"store"`
	Cores   []CoreStats     `json:"cores"`
}

// Stats returns a snapshot of server, store and per-core counters
func (s *Server) Stats() Stats {
	st := Stats{
		Info:    s.Info(),
		Metrics: s.MetricsSnapshot(),
		Store:   s.store.Stats(),
		Cores:   make([]CoreStats, len(s.queues)),
	}
	for i, q := range s.queues {
		st.Cores[i] = CoreStats{Core: i, Stats: q.Stats()}
	}
	return st
}

// Metrics returns the live metrics of the server
func (s *Server) Metrics() *Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of server metrics
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	if s == nil || s.metrics == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.Snapshot()
}

// adminSource adapts Server to admin.Source.
type adminSource struct{ s *Server }

func (a adminSource) Healthy() bool { return a.s.IsRunning() }
func (a adminSource) Stats() any    { return a.s.Stats() }

// String describes the server for logs.
func (s *Server) String() string {
	return fmt.Sprintf("kvcore[%s %s cores=%d]", s.ID[:8], s.addr, len(s.queues))
}
