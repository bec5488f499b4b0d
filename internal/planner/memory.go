package planner

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidMemory is returned when a memory string cannot be parsed.
var ErrInvalidMemory = errors.New("invalid memory size")

// DefaultMemory is the budget of a node that does not declare one.
const DefaultMemory = "8GB"

// Longest suffix first so "16GB" is not read as "16G" bytes.
var memoryUnits = []struct {
	suffix string
	mult   uint64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseMemory converts strings such as "16GB", "512mb" or "1024" into a
// byte count. Units are binary multiples. A suffixed value may be
// fractional ("1.5GB"); a bare value must be a whole number of bytes.
func ParseMemory(s string) (uint64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidMemory)
	}
	for _, u := range memoryUnits {
		num, ok := strings.CutSuffix(v, u.suffix)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidMemory, s)
		}
		bytes := f * float64(u.mult)
		if bytes >= math.MaxUint64 {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidMemory, s)
		}
		return uint64(bytes), nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMemory, s)
	}
	return n, nil
}

// FormatMemory renders a byte count with the largest binary unit that keeps
// the value at or above one.
func FormatMemory(n uint64) string {
	for _, u := range memoryUnits[:len(memoryUnits)-1] {
		if n >= u.mult {
			return strconv.FormatFloat(float64(n)/float64(u.mult), 'f', 2, 64) + " " + u.suffix
		}
	}
	return strconv.FormatUint(n, 10) + " B"
}
