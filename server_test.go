package kvcore

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-kvcore/internal/logging"
)

func startServer(t *testing.T, params Params) *Server {
	t.Helper()
	srv, err := CreateAndServe(context.Background(), params, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Shutdown(ctx, srv)
	})
	return srv
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(srv.Addr(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerRequests(t *testing.T) {
	srv := startServer(t, TestParams(t.TempDir()))
	assert.True(t, srv.IsRunning())
	assert.Equal(t, 2, srv.NumCores())

	c := dial(t, srv)
	require.NoError(t, c.Ping())

	_, err := c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set("greeting", "hello world"))
	v, err := c.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)

	require.NoError(t, c.Set("greeting", "bye"))
	v, err = c.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, "bye", v)

	require.NoError(t, c.Del("greeting"))
	assert.ErrorIs(t, c.Del("greeting"), ErrNotFound)

	reply, err := c.Do("BOGUS")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "ERROR "), reply)

	// A malformed request does not end the connection
	require.NoError(t, c.Ping())
	require.NoError(t, c.Sync())

	require.Eventually(t, func() bool {
		snap := srv.MetricsSnapshot()
		return snap.GetOps == 3 && snap.SetOps == 2 && snap.DelOps == 2
	}, 5*time.Second, 5*time.Millisecond)
	snap := srv.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.ConnsOpened)
	assert.NotZero(t, snap.DiskWrites)
}

func TestServerSpreadsConnections(t *testing.T) {
	srv := startServer(t, TestParams(t.TempDir()))

	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = dial(t, srv)
		require.NoError(t, clients[i].Ping())
	}

	stats := srv.Stats()
	require.Len(t, stats.Cores, 2)
	for _, core := range stats.Cores {
		assert.Equal(t, int64(2), core.Conns, "core %d", core.Core)
	}
	assert.Equal(t, uint64(4), stats.Cores[0].Accepted)
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startServer(t, TestParams(t.TempDir()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		c := dial(t, srv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				key := strings.Repeat("k", i+1)
				value := strings.Repeat("v", j+1)
				if !assert.NoError(t, c.Set(key, value)) {
					return
				}
				got, err := c.Get(key)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, value, got)
			}
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return srv.MetricsSnapshot().TotalOps == 320 }, 5*time.Second, 5*time.Millisecond)
}

func TestClientShutdownStopsServer(t *testing.T) {
	srv := startServer(t, TestParams(t.TempDir()))
	c := dial(t, srv)
	require.NoError(t, c.Shutdown())

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, srv.Wait())
	assert.Equal(t, ServerStateStopped, srv.State())
	assert.False(t, srv.Info().Running)
}

func TestShutdown(t *testing.T) {
	srv := startServer(t, TestParams(t.TempDir()))
	require.NoError(t, Shutdown(context.Background(), srv))
	assert.Equal(t, ServerStateStopped, srv.State())

	// Idempotent
	require.NoError(t, Shutdown(context.Background(), srv))
	assert.ErrorIs(t, Shutdown(context.Background(), nil), ErrInvalidParameters)
}

func TestContextCancelStopsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := CreateAndServe(ctx, TestParams(t.TempDir()), &Options{Logger: logging.Nop()})
	require.NoError(t, err)

	cancel()
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, srv.Wait())
}

func TestServerPersistsAcrossRestart(t *testing.T) {
	params := TestParams(t.TempDir())
	params.InMemoryIndex = false

	srv, err := CreateAndServe(context.Background(), params, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	c, err := Dial(srv.Addr(), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Set("durable", "yes"))
	require.NoError(t, c.Set("gone", "soon"))
	require.NoError(t, c.Del("gone"))
	c.Close()
	require.NoError(t, Shutdown(context.Background(), srv))

	srv = startServer(t, params)
	c = dial(t, srv)
	v, err := c.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
	_, err = c.Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminEndpoint(t *testing.T) {
	params := TestParams(t.TempDir())
	params.AdminAddr = "127.0.0.1:0"
	srv := startServer(t, params)
	require.NotEmpty(t, srv.AdminAddr())

	c := dial(t, srv)
	require.NoError(t, c.Set("k", "v"))
	require.Eventually(t, func() bool { return srv.MetricsSnapshot().SetOps == 1 }, 5*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + srv.AdminAddr() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, srv.ID, stats.Info.ID)
	assert.Equal(t, ServerStateRunning, stats.Info.State)
	assert.Len(t, stats.Cores, 2)
	assert.Equal(t, uint64(1), stats.Metrics.SetOps)
	assert.Equal(t, uint64(1), stats.Store.Writes)
}

func TestObserverOption(t *testing.T) {
	extra := NewMetrics()
	params := TestParams(t.TempDir())
	srv, err := CreateAndServe(context.Background(), params, &Options{
		Logger:   logging.Nop(),
		Observer: NewMetricsObserver(extra),
	})
	require.NoError(t, err)
	defer Shutdown(context.Background(), srv)

	c := dial(t, srv)
	require.NoError(t, c.Ping())
	require.Eventually(t, func() bool {
		return extra.Snapshot().OtherOps == 1 && srv.MetricsSnapshot().OtherOps == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreateAndServeRejectsBadParams(t *testing.T) {
	params := TestParams(t.TempDir())
	params.Cores = 0
	_, err := CreateAndServe(context.Background(), params, nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	params = TestParams(t.TempDir())
	params.AIOEngine = "magic"
	_, err = CreateAndServe(context.Background(), params, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestCreateAndServeAddressInUse(t *testing.T) {
	first := startServer(t, TestParams(t.TempDir()))

	params := TestParams(t.TempDir())
	params.ListenAddr = first.Addr()
	_, err := CreateAndServe(context.Background(), params, &Options{Logger: logging.Nop()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAddressInUse)
}
