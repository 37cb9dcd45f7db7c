package constants

import "time"

// Default configuration constants
const (
	// DefaultListenAddr is the client-facing TCP address
	DefaultListenAddr = "127.0.0.1:7379"

	// DefaultMaxEvents bounds the events taken from the poller per iteration
	DefaultMaxEvents = 256

	// DefaultMaxInflightIO is the default cap on concurrent disk requests per core
	DefaultMaxInflightIO = 128

	// DefaultPageSize is the size of one page in the page file
	DefaultPageSize = 4096

	// DefaultMaxRequestSize is the largest request line accepted before the
	// connection is answered with an error
	DefaultMaxRequestSize = 64 * 1024

	// DefaultCacheSize is the value cache budget used when system memory
	// cannot be determined (256MB)
	DefaultCacheSize = 256 << 20

	// ListenBacklog is passed to listen(2)
	ListenBacklog = 1024
)

// Timing constants
const (
	// DefaultSyncInterval is how often core 0 checkpoints the store
	DefaultSyncInterval = 5 * time.Second

	// DefaultGCInterval is how often core 0 runs value-log GC
	DefaultGCInterval = 10 * time.Minute

	// ShutdownGrace bounds how long Shutdown waits for cores to exit
	ShutdownGrace = 5 * time.Second
)

// Memory allocation constants
const (
	// RecvChunk is the minimum free space offered to each socket read (4KB)
	RecvChunk = 4 * 1024

	// ConnSlabSize is the number of connection records carved per slab
	ConnSlabSize = 64
)
