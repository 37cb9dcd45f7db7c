// Package uring provides the submission/completion ring used for disk I/O
package uring

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-kvcore/internal/logging"
)

// ErrQueueFull is returned by Prepare* when no submission slot is free.
// The caller should retry after the next Submit.
var ErrQueueFull = errors.New("uring: submission queue full")

// Ring provides the interface for the positioned read/write operations the
// disk I/O subsystem needs. A Ring is owned by one core and is not safe for
// concurrent use.
type Ring interface {
	// PrepareRead queues a pread of len(buf) bytes at offset into buf.
	// buf must stay untouched until the matching completion is reaped.
	PrepareRead(fd int, buf []byte, offset int64, userData uint64) error

	// PrepareWrite queues a pwrite of buf at offset.
	PrepareWrite(fd int, buf []byte, offset int64, userData uint64) error

	// Submit hands every prepared entry to the kernel. Transient
	// exhaustion is reported as unix.EAGAIN or unix.EBUSY; prepared
	// entries stay queued and are retried by the next Submit.
	Submit() (int, error)

	// Reap copies up to len(out) available completions into out without
	// blocking and returns how many were copied.
	Reap(out []Completion) int

	// RegisterEventFd asks the ring to signal fd whenever a completion is
	// posted.
	RegisterEventFd(fd int) error

	// Close releases the ring.
	Close() error
}

// Completion is one reaped result.
type Completion struct {
	UserData uint64
	Res      int32 // bytes transferred, or a negative errno
}

// Kind selects the ring implementation.
type Kind string

const (
	KindAuto  Kind = "auto"  // io_uring, falling back to sync when unavailable
	KindUring Kind = "uring" // io_uring only
	KindSync  Kind = "sync"  // pread/pwrite performed at submit time
)

// ParseKind validates a ring kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAuto, KindUring, KindSync:
		return k, nil
	case "":
		return KindAuto, nil
	default:
		return "", fmt.Errorf("unknown ring kind %q (want auto, uring or sync)", s)
	}
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of submission entries
	Kind    Kind
}

// NewRing creates a Ring of the configured kind.
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	if config.Entries == 0 {
		config.Entries = 128
	}
	logger.Debug("creating ring", "entries", config.Entries, "kind", string(config.Kind))

	switch config.Kind {
	case KindSync:
		return NewSyncRing(config.Entries), nil
	case KindUring:
		return NewIOURing(config.Entries)
	default:
		ring, err := NewIOURing(config.Entries)
		if err != nil {
			logger.Warn("io_uring unavailable, using synchronous ring", "error", err)
			return NewSyncRing(config.Entries), nil
		}
		logger.Info("created io_uring", "entries", config.Entries)
		return ring, nil
	}
}
