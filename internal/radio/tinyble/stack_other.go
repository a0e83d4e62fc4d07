//go:build !linux

package tinyble

import (
	"fmt"
	"runtime"

	"github.com/chaz8081/heystack-tag/internal/radio"
)

// Open reports that the peripheral role is unavailable on this platform.
func Open(id string, buffer int) (radio.Stack, error) {
	return nil, fmt.Errorf("tinyble: peripheral role on %s: %w", runtime.GOOS, radio.ErrNotSupported)
}
