package kvcore

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/go-kvcore/internal/uring"
)

// TestParams returns small parameters for tests: two cores on an
// ephemeral loopback port, a synchronous disk engine, an in-memory index
// under dir and no background maintenance.
func TestParams(dir string) Params {
	p := DefaultParams()
	p.ListenAddr = "127.0.0.1:0"
	p.Cores = 2
	p.DataDir = dir
	p.CacheSize = 8 << 20
	p.PageSize = 1024
	p.MaxInflightIO = 16
	p.AIOEngine = string(uring.KindSync)
	p.InMemoryIndex = true
	p.SyncInterval = 0
	p.GCInterval = 0
	return p
}

// ErrNotFound is returned by Client.Get and Client.Del for a missing key.
var ErrNotFound = errors.New("kvcore: key not found")

// Client speaks the line protocol over one connection. It is meant for
// tests and tooling; calls are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to a server at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c, r: bufio.NewReader(c), timeout: timeout}, nil
}

// Do sends one request line and returns the reply line without its
// terminator.
func (c *Client) Do(line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", err
		}
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

func (c *Client) expectOK(line string) error {
	reply, err := c.Do(line)
	if err != nil {
		return err
	}
	switch {
	case reply == "OK":
		return nil
	case reply == "NOT_FOUND":
		return ErrNotFound
	default:
		return replyError(reply)
	}
}

// Get returns the value of key.
func (c *Client) Get(key string) (string, error) {
	reply, err := c.Do("GET " + key)
	if err != nil {
		return "", err
	}
	if v, ok := strings.CutPrefix(reply, "VALUE "); ok {
		return v, nil
	}
	if reply == "NOT_FOUND" {
		return "", ErrNotFound
	}
	return "", replyError(reply)
}

// Set stores value under key.
func (c *Client) Set(key, value string) error { return c.expectOK("SET " + key + " " + value) }

// Del removes key.
func (c *Client) Del(key string) error { return c.expectOK("DEL " + key) }

// Sync asks the server to checkpoint its store.
func (c *Client) Sync() error { return c.expectOK("SYNC") }

// Ping checks that the server answers.
func (c *Client) Ping() error {
	reply, err := c.Do("PING")
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return replyError(reply)
	}
	return nil
}

// Shutdown asks the server to stop. The server closes the connection
// without replying.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write([]byte("SHUTDOWN\n"))
	return err
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func replyError(reply string) error {
	if msg, ok := strings.CutPrefix(reply, "ERROR "); ok {
		return fmt.Errorf("kvcore: server error: %s", msg)
	}
	return fmt.Errorf("kvcore: unexpected reply %q", reply)
}
