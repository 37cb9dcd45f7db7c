package uring

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "pages"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func eventFd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func readCounter(t *testing.T, fd int) uint64 {
	t.Helper()
	var b [8]byte
	n, err := unix.Read(fd, b[:])
	require.NoError(t, err)
	require.Equal(t, 8, n)
	return binary.LittleEndian.Uint64(b[:])
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindAuto, false},
		{"auto", KindAuto, false},
		{"uring", KindUring, false},
		{"sync", KindSync, false},
		{"epoll", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func exerciseRing(t *testing.T, ring Ring) {
	f := tempFile(t)
	efd := eventFd(t)
	require.NoError(t, ring.RegisterEventFd(efd))

	payload := []byte("page-data")
	require.NoError(t, ring.PrepareWrite(int(f.Fd()), payload, 4096, 1))
	n, err := ring.Submit()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := make([]Completion, 4)
	var got int
	for got == 0 {
		got = ring.Reap(out)
	}
	require.Equal(t, 1, got)
	assert.Equal(t, uint64(1), out[0].UserData)
	assert.Equal(t, int32(len(payload)), out[0].Res)
	assert.GreaterOrEqual(t, readCounter(t, efd), uint64(1))

	buf := make([]byte, len(payload))
	require.NoError(t, ring.PrepareRead(int(f.Fd()), buf, 4096, 2))
	_, err = ring.Submit()
	require.NoError(t, err)
	got = 0
	for got == 0 {
		got = ring.Reap(out)
	}
	require.Equal(t, 1, got)
	assert.Equal(t, uint64(2), out[0].UserData)
	assert.Equal(t, payload, buf)
}

func TestSyncRing(t *testing.T) {
	ring := NewSyncRing(4)
	defer ring.Close()
	exerciseRing(t, ring)
}

func TestIOURing(t *testing.T) {
	ring, err := NewIOURing(8)
	if err != nil {
		t.Skipf("io_uring not available: %v", err)
	}
	defer ring.Close()
	exerciseRing(t, ring)
}

func TestSyncRing_QueueFull(t *testing.T) {
	ring := NewSyncRing(2)
	buf := make([]byte, 1)
	require.NoError(t, ring.PrepareRead(0, buf, 0, 1))
	require.NoError(t, ring.PrepareRead(0, buf, 0, 2))
	assert.ErrorIs(t, ring.PrepareRead(0, buf, 0, 3), ErrQueueFull)
}

func TestSyncRing_ErrorResult(t *testing.T) {
	ring := NewSyncRing(2)
	buf := make([]byte, 8)
	require.NoError(t, ring.PrepareRead(-1, buf, 0, 9))
	_, err := ring.Submit()
	require.NoError(t, err)

	out := make([]Completion, 1)
	require.Equal(t, 1, ring.Reap(out))
	assert.Equal(t, -int32(unix.EBADF), out[0].Res)
}

func TestNewRing_Sync(t *testing.T) {
	ring, err := NewRing(Config{Entries: 4, Kind: KindSync})
	require.NoError(t, err)
	defer ring.Close()
	_, ok := ring.(*syncRing)
	assert.True(t, ok)
}
