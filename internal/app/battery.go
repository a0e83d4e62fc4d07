package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileBattery reads a battery level from a file holding a single integer,
// such as a Linux power supply capacity attribute. Values above 100 are
// clamped.
type FileBattery string

func (f FileBattery) Level() (uint8, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return 0, fmt.Errorf("app: read battery level: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("app: parse battery level %q: %w", strings.TrimSpace(string(data)), err)
	}
	switch {
	case v < 0:
		return 0, fmt.Errorf("app: negative battery level %d", v)
	case v > 100:
		v = 100
	}
	return uint8(v), nil
}
