package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ehrlich-b/go-kvcore"
	"github.com/ehrlich-b/go-kvcore/internal/logging"
)

func main() {
	configPath := defineFlags(flag.CommandLine)
	flag.Parse()

	// Respect the container CPU quota before sizing cores
	undo, procsErr := maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
	defer undo()

	params := kvcore.DefaultParams()
	if *configPath != "" {
		var err error
		params, err = kvcore.LoadParams(*configPath, params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kvcore: %v\n", err)
			os.Exit(2)
		}
	}

	// Flags given on the command line override the file
	params, err := overrideParams(params, flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvcore: %v\n", err)
		os.Exit(2)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(params.LogLevel)
	logConfig.Format = params.LogFormat
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if procsErr != nil {
		logger.Warn("could not apply CPU quota", "error", procsErr)
	}
	logger.Info("starting kvcore",
		"gomaxprocs", runtime.GOMAXPROCS(0),
		"cores", params.Cores,
		"data_dir", params.DataDir,
		"cache", humanize.IBytes(uint64(params.CacheSize)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := kvcore.CreateAndServe(ctx, params, &kvcore.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	fmt.Printf("kvcore %s listening on %s with %d cores\n", srv.ID, srv.Addr(), srv.NumCores())
	if addr := srv.AdminAddr(); addr != "" {
		fmt.Printf("Stats: http://%s/stats\n", addr)
	}
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	// Set up SIGUSR1 handler for stack trace dumps
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-srv.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := kvcore.Shutdown(shutdownCtx, srv); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}

	snap := srv.MetricsSnapshot()
	logger.Info("server stopped",
		"requests", snap.TotalOps,
		"errors", snap.RequestErrors,
		"conns", snap.ConnsOpened,
		"disk_read", humanize.IBytes(snap.DiskReadBytes),
		"disk_written", humanize.IBytes(snap.DiskWriteBytes))
}

func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1024*1024) // 1MB buffer
	n := runtime.Stack(buf, true)   // true = all goroutines
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n")
	fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
	fmt.Fprintf(os.Stderr, "=== END STACK DUMP ===\n\n")

	// Also dump to a file
	filename := fmt.Sprintf("kvcore-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])

	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)
	logger.Info("stack trace written to file", "file", filename)
}

// defineFlags declares the command line on fs and returns the config path.
// The remaining flags are read back by overrideParams.
func defineFlags(fs *flag.FlagSet) *string {
	configPath := fs.String("config", "", "TOML configuration file")
	fs.String("listen", kvcore.DefaultListenAddr, "Client listen address")
	fs.String("admin", "", "Admin HTTP address (empty disables)")
	fs.Int("cores", 0, "Number of reactor cores (default: GOMAXPROCS)")
	fs.String("data", "kvcore-data", "Data directory")
	fs.String("cache", "", "Value cache size (e.g., 256MiB, 2G)")
	fs.String("page-size", "4KiB", "Page size")
	fs.String("aio", "auto", "Disk I/O engine: auto, uring or sync")
	fs.Bool("pin", false, "Pin each core to its own CPU")
	fs.Bool("in-memory-index", false, "Keep the index in memory (data is lost on exit)")
	fs.Bool("v", false, "Verbose output")
	fs.String("log-format", "text", "Log format: text or json")
	return configPath
}

// overrideParams applies every flag set explicitly on fs to p. It stops at
// the first flag whose value does not parse.
func overrideParams(p kvcore.Params, fs *flag.FlagSet) (kvcore.Params, error) {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "listen":
			p.ListenAddr = v
		case "admin":
			p.AdminAddr = v
		case "cores":
			p.Cores, err = strconv.Atoi(v)
		case "data":
			p.DataDir = v
		case "cache":
			p.CacheSize, err = parseSize(v)
		case "page-size":
			var n int64
			n, err = parseSize(v)
			p.PageSize = int(n)
		case "aio":
			p.AIOEngine = v
		case "pin":
			p.PinCores, err = strconv.ParseBool(v)
		case "in-memory-index":
			p.InMemoryIndex, err = strconv.ParseBool(v)
		case "v":
			if v == "true" {
				p.LogLevel = "debug"
			}
		case "log-format":
			p.LogFormat = v
		}
		if err != nil {
			err = fmt.Errorf("flag -%s: %w", f.Name, err)
		}
	})
	return p, err
}

// parseSize parses a size string like "64M", "1GiB", "512k"
func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}
