package leak

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownLevel is returned by ParseLevel for an unrecognised name.
var ErrUnknownLevel = errors.New("leak: unknown detection level")

// Level selects how many buffers are tracked and how much is recorded.
type Level int32

const (
	// Disabled tracks nothing.
	Disabled Level = iota
	// Simple samples buffers and reports leaks without access records.
	Simple
	// Advanced samples buffers and records the creation stack and recent accesses.
	Advanced
	// Paranoid tracks every buffer with full records. For tests and debugging only.
	Paranoid
)

func (l Level) String() string {
	switch l {
	case Disabled:
		return "disabled"
	case Simple:
		return "simple"
	case Advanced:
		return "advanced"
	case Paranoid:
		return "paranoid"
	}
	return fmt.Sprintf("Level(%d)", int32(l))
}

// ParseLevel accepts a level name in any case, or its ordinal.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "0":
		return Disabled, nil
	case "simple", "1":
		return Simple, nil
	case "advanced", "2":
		return Advanced, nil
	case "paranoid", "3":
		return Paranoid, nil
	}
	return Disabled, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}
