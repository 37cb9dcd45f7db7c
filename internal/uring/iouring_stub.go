//go:build !linux

package uring

import "fmt"

// NewIOURing is only available on Linux
func NewIOURing(entries uint32) (Ring, error) {
	return nil, fmt.Errorf("io_uring requires linux")
}
