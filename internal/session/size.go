package session

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnitsOrdered = []struct {
	suffix     string
	multiplier int64
}{
	{"tib", 1024 * 1024 * 1024 * 1024},
	{"tb", 1000 * 1000 * 1000 * 1000},
	{"gib", 1024 * 1024 * 1024},
	{"gb", 1000 * 1000 * 1000},
	{"mib", 1024 * 1024},
	{"mb", 1000 * 1000},
	{"kib", 1024},
	{"kb", 1000},
	{"b", 1},
}

// ParseSize parses human-readable byte sizes like "64KiB" or "1.5GB",
// returning defaultBytes for an empty string.
func ParseSize(value string, defaultBytes int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultBytes, nil
	}
	lower := strings.ToLower(value)
	for _, unit := range sizeUnitsOrdered {
		if strings.HasSuffix(lower, unit.suffix) {
			numStr := strings.TrimSpace(value[:len(value)-len(unit.suffix)])
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("parse size %q: %w", value, err)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}
	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	return num, nil
}

// FormatBytes renders a byte count in the largest whole binary unit, for
// --list-logs output.
func FormatBytes(n int64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	f := float64(n)
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%dB", n)
	}
	return fmt.Sprintf("%.1f%s", f, units[i])
}
