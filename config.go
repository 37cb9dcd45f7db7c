package kvcore

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"

	"github.com/ehrlich-b/go-kvcore/internal/constants"
	"github.com/ehrlich-b/go-kvcore/internal/uring"
)

// Params contains parameters for creating a server
type Params struct {
	// Network
	ListenAddr string // Client-facing TCP address (default: 127.0.0.1:7379)
	AdminAddr  string // HTTP stats address; empty disables the admin endpoint

	// Cores
	Cores    int  // Number of reactor cores (default: GOMAXPROCS)
	PinCores bool // Pin core i to the i-th allowed CPU

	// Store
	DataDir       string // Directory holding the index and page file
	CacheSize     int64  // Value cache budget in bytes (default: 1/8 of RAM)
	PageSize      int    // Page size in bytes (default: 4KiB)
	InMemoryIndex bool   // Keep the index in memory (tests and benchmarks)

	// Reactor
	MaxRequestSize int    // Longest accepted request line
	MaxEvents      int    // Events taken from the poller per iteration
	MaxInflightIO  int    // Concurrent disk requests per core
	AIOEngine      string // "auto", "uring" or "sync"

	// Maintenance
	SyncInterval time.Duration // Store checkpoint period on core 0 (0 disables)
	GCInterval   time.Duration // Index value-log GC period (0 disables)

	// Logging, consumed by the command
	LogLevel  string
	LogFormat string
}

// DefaultParams returns default server parameters
func DefaultParams() Params {
	return Params{
		ListenAddr:     constants.DefaultListenAddr,
		Cores:          runtime.GOMAXPROCS(0),
		DataDir:        "kvcore-data",
		CacheSize:      defaultCacheSize(),
		PageSize:       constants.DefaultPageSize,
		MaxRequestSize: constants.DefaultMaxRequestSize,
		MaxEvents:      constants.DefaultMaxEvents,
		MaxInflightIO:  constants.DefaultMaxInflightIO,
		AIOEngine:      string(uring.KindAuto),
		SyncInterval:   constants.DefaultSyncInterval,
		GCInterval:     constants.DefaultGCInterval,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// defaultCacheSize gives the value cache an eighth of physical memory.
func defaultCacheSize() int64 {
	total := memory.TotalMemory()
	if total == 0 {
		return constants.DefaultCacheSize
	}
	return int64(total / 8)
}

// Validate checks that the parameters describe a runnable server
func (p Params) Validate() error {
	invalid := func(format string, args ...any) error {
		return NewError("VALIDATE_PARAMS", ErrCodeInvalidParameters, fmt.Sprintf(format, args...))
	}
	switch {
	case p.ListenAddr == "":
		return invalid("listen address is required")
	case p.Cores < 1:
		return invalid("cores must be at least 1, got %d", p.Cores)
	case p.DataDir == "":
		return invalid("data directory is required")
	case p.PageSize < 64:
		return invalid("page size %d below 64 bytes", p.PageSize)
	case p.CacheSize < 0:
		return invalid("negative cache size %d", p.CacheSize)
	case p.MaxRequestSize < 16:
		return invalid("max request size %d below 16 bytes", p.MaxRequestSize)
	case p.MaxEvents < 1:
		return invalid("max events must be at least 1, got %d", p.MaxEvents)
	case p.MaxInflightIO < 1:
		return invalid("max in-flight I/O must be at least 1, got %d", p.MaxInflightIO)
	case p.SyncInterval < 0 || p.GCInterval < 0:
		return invalid("negative maintenance interval")
	}
	if _, err := uring.ParseKind(p.AIOEngine); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// ByteSize is a size in bytes that decodes from TOML as either an integer
// or a human-readable string such as "512MiB" or "4k".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size with IEC units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// fileConfig mirrors the TOML configuration file. Absent keys leave the
// corresponding parameter untouched.
type fileConfig struct {
	Listen         *string        `toml:"listen"`
	Admin          *string        `toml:"admin"`
	Cores          *int           `toml:"cores"`
	PinCores       *bool          `toml:"pin_cores"`
	DataDir        *string        `toml:"data_dir"`
	CacheSize      *ByteSize      `toml:"cache_size"`
	PageSize       *ByteSize      `toml:"page_size"`
	InMemoryIndex  *bool          `toml:"in_memory_index"`
	MaxRequestSize *ByteSize      `toml:"max_request_size"`
	MaxEvents      *int           `toml:"max_events"`
	MaxInflightIO  *int           `toml:"max_inflight_io"`
	AIOEngine      *string        `toml:"aio_engine"`
	SyncInterval   *time.Duration `toml:"sync_interval"`
	GCInterval     *time.Duration `toml:"gc_interval"`

	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

// LoadParams overlays the TOML file at path onto base. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func LoadParams(path string, base Params) (Params, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return base, WrapError("LOAD_CONFIG", fmt.Errorf("%s: %w", path, err))
	}
	return fc.apply(md, base)
}

// ParseParams is LoadParams for configuration already in memory.
func ParseParams(data string, base Params) (Params, error) {
	var fc fileConfig
	md, err := toml.Decode(data, &fc)
	if err != nil {
		return base, WrapError("LOAD_CONFIG", err)
	}
	return fc.apply(md, base)
}

func (fc *fileConfig) apply(md toml.MetaData, p Params) (Params, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return p, NewError("LOAD_CONFIG", ErrCodeInvalidParameters,
			"unknown configuration keys: "+strings.Join(keys, ", "))
	}

	setString(&p.ListenAddr, fc.Listen)
	setString(&p.AdminAddr, fc.Admin)
	setString(&p.DataDir, fc.DataDir)
	setString(&p.AIOEngine, fc.AIOEngine)
	setString(&p.LogLevel, fc.Log.Level)
	setString(&p.LogFormat, fc.Log.Format)
	if fc.Cores != nil {
		p.Cores = *fc.Cores
	}
	if fc.PinCores != nil {
		p.PinCores = *fc.PinCores
	}
	if fc.CacheSize != nil {
		p.CacheSize = int64(*fc.CacheSize)
	}
	if fc.PageSize != nil {
		p.PageSize = int(*fc.PageSize)
	}
	if fc.InMemoryIndex != nil {
		p.InMemoryIndex = *fc.InMemoryIndex
	}
	if fc.MaxRequestSize != nil {
		p.MaxRequestSize = int(*fc.MaxRequestSize)
	}
	if fc.MaxEvents != nil {
		p.MaxEvents = *fc.MaxEvents
	}
	if fc.MaxInflightIO != nil {
		p.MaxInflightIO = *fc.MaxInflightIO
	}
	if fc.SyncInterval != nil {
		p.SyncInterval = *fc.SyncInterval
	}
	if fc.GCInterval != nil {
		p.GCInterval = *fc.GCInterval
	}
	return p, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
