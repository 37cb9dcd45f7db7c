package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-kvcore"
)

func parseFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("kvcore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defineFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestOverrideParams(t *testing.T) {
	fs := parseFlags(t, "-cores", "3", "-cache", "64MiB", "-page-size", "8KiB", "-pin", "-v", "-aio", "sync")
	base := kvcore.DefaultParams()
	p, err := overrideParams(base, fs)
	require.NoError(t, err)

	assert.Equal(t, 3, p.Cores)
	assert.Equal(t, int64(64<<20), p.CacheSize)
	assert.Equal(t, 8192, p.PageSize)
	assert.True(t, p.PinCores)
	assert.Equal(t, "debug", p.LogLevel)
	assert.Equal(t, "sync", p.AIOEngine)
	assert.Equal(t, base.ListenAddr, p.ListenAddr, "flags left unset keep the base value")
	assert.Equal(t, base.DataDir, p.DataDir)
}

func TestOverrideParamsKeepsFirstError(t *testing.T) {
	fs := parseFlags(t, "-cache", "bogus", "-page-size", "4KiB")
	_, err := overrideParams(kvcore.DefaultParams(), fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-cache")
}

func TestOverrideParamsBadCores(t *testing.T) {
	fs := flag.NewFlagSet("kvcore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defineFlags(fs)
	assert.Error(t, fs.Parse([]string{"-cores", "many"}), "typed flags are checked by the flag package")
}
