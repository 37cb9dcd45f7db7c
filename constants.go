package kvcore

import "github.com/ehrlich-b/go-kvcore/internal/constants"

// Re-export constants for public API
const (
	DefaultListenAddr     = constants.DefaultListenAddr
	DefaultMaxEvents      = constants.DefaultMaxEvents
	DefaultMaxInflightIO  = constants.DefaultMaxInflightIO
	DefaultPageSize       = constants.DefaultPageSize
	DefaultMaxRequestSize = constants.DefaultMaxRequestSize
	DefaultCacheSize      = constants.DefaultCacheSize
	DefaultSyncInterval   = constants.DefaultSyncInterval
	DefaultGCInterval     = constants.DefaultGCInterval
)
