package kvcore

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured kvcore error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "OPEN_STORE", "LISTEN")
	Core  int           // Core number (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Core >= 0 {
		parts = append(parts, fmt.Sprintf("core=%d", e.Core))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("kvcore: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("kvcore: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ke, ok := target.(KVError); ok {
		return e.Code == ErrorCode(ke)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeAddressInUse       ErrorCode = "address in use"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeKernelNotSupported ErrorCode = "kernel does not support required feature"
	ErrCodeStoreUnavailable   ErrorCode = "store unavailable"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeServerStopped      ErrorCode = "server stopped"
)

// KVError is a sentinel matched against structured errors by code
type KVError string

func (e KVError) Error() string {
	return "kvcore: " + string(e)
}

const (
	ErrInvalidParameters  KVError = KVError(ErrCodeInvalidParameters)
	ErrAddressInUse       KVError = KVError(ErrCodeAddressInUse)
	ErrPermissionDenied   KVError = KVError(ErrCodePermissionDenied)
	ErrKernelNotSupported KVError = KVError(ErrCodeKernelNotSupported)
	ErrStoreUnavailable   KVError = KVError(ErrCodeStoreUnavailable)
	ErrServerStopped      KVError = KVError(ErrCodeServerStopped)
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Core: -1,
		Code: code,
		Msg:  msg,
	}
}

// NewCoreError creates a new core-specific error
func NewCoreError(op string, core int, code ErrorCode, inner error) *Error {
	err := WrapError(op, inner)
	if err == nil {
		err = NewError(op, code, "")
	}
	err.Core = core
	err.Code = code
	return err
}

// WrapError wraps an existing error with kvcore context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Core:  ke.Core,
			Code:  ke.Code,
			Errno: ke.Errno,
			Msg:   ke.Msg,
			Inner: ke.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Core:  -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Core:  -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to kvcore error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.EADDRINUSE, syscall.EADDRNOTAVAIL:
		return ErrCodeAddressInUse
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Errno == errno
	}
	return false
}
