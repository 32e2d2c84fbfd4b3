package config

import (
	"fmt"
	"strconv"
	"strings"
)

// byteUnits is checked in order; longer suffixes come first so "KIB"
// is not read as "B".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses sizes such as "16MiB", "64KiB", "1_048_576" or a
// hex byte count like "0x10000" (flash region sizes are usually written
// that way).
func ParseByteSize(s string) (int64, error) {
	in := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}

	if hex, ok := strings.CutPrefix(in, "0X"); ok {
		n, err := strconv.ParseInt(hex, 16, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		return n, nil
	}

	mult := int64(1)
	for _, u := range byteUnits {
		if num, ok := strings.CutSuffix(in, u.suffix); ok {
			in, mult = strings.TrimSpace(num), u.mult
			break
		}
	}

	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return n * mult, nil
}
