package kvcore

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	// Test basic error creation
	err := NewError("LISTEN", ErrCodeInvalidParameters, "bad listen address")

	if err.Op != "LISTEN" {
		t.Errorf("Expected Op=LISTEN, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "kvcore: bad listen address (op=LISTEN)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestCoreError(t *testing.T) {
	err := NewCoreError("RUN_CORE", 2, ErrCodeIOError, syscall.EBADF)

	expected := fmt.Sprintf("kvcore: %s (op=RUN_CORE, core=2, errno=%d)", syscall.EBADF.Error(), syscall.EBADF)
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, syscall.EBADF) {
		t.Error("Expected core error to unwrap to EBADF")
	}
}

func TestWrapError(t *testing.T) {
	inner := fmt.Errorf("bind: %w", syscall.EADDRINUSE)
	err := WrapError("LISTEN", inner)

	if err.Code != ErrCodeAddressInUse {
		t.Errorf("Expected Code=ErrCodeAddressInUse, got %s", err.Code)
	}

	if err.Errno != syscall.EADDRINUSE {
		t.Errorf("Expected Errno=EADDRINUSE, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Error("Expected wrapped error to satisfy errors.Is for EADDRINUSE")
	}

	if WrapError("NOOP", nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}

	// Re-wrapping keeps the original context
	rewrapped := WrapError("SERVE", NewCoreError("RUN_CORE", 1, ErrCodeIOError, errors.New("boom")))
	if rewrapped.Op != "SERVE" || rewrapped.Core != 1 {
		t.Errorf("Expected Op=SERVE Core=1, got Op=%s Core=%d", rewrapped.Op, rewrapped.Core)
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinelErr error = ErrAddressInUse

	// Structured error should match sentinel by code
	structuredErr := &Error{Core: -1, Code: ErrCodeAddressInUse}

	if !errors.Is(structuredErr, ErrAddressInUse) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if errors.Is(structuredErr, ErrStoreUnavailable) {
		t.Error("Structured error should not match a different sentinel")
	}

	if sentinelErr.Error() != "kvcore: address in use" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	// Wrapped errors should match sentinel
	wrappedErr := WrapError("TEST_OP", syscall.EACCES)
	if !errors.Is(wrappedErr, ErrPermissionDenied) {
		t.Error("Wrapped EACCES should match ErrPermissionDenied")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if !IsCode(fmt.Errorf("outer: %w", err), ErrCodeTimeout) {
		t.Error("IsCode should see through fmt wrapping")
	}

	// Test with nil error
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	// Create error with errno via WrapError
	err := WrapError("TEST", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	// Test with nil error
	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.EADDRINUSE, ErrCodeAddressInUse},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.EMFILE, ErrCodeInsufficientMemory},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ENOSYS, ErrCodeKernelNotSupported},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
