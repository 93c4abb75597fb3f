package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// memUnits maps recognized human-readable suffixes to their byte
// multiplier. Both SI (k, m, g, t) and binary (Ki, Mi, Gi, Ti) forms are
// accepted, matching the units users type when requesting memory.
var memUnits = map[string]int64{
	"":   1,
	"b":  1,
	"k":  1_000,
	"m":  1_000_000,
	"g":  1_000_000_000,
	"t":  1_000_000_000_000,
	"ki": 1024,
	"mi": 1024 * 1024,
	"gi": 1024 * 1024 * 1024,
	"ti": 1024 * 1024 * 1024 * 1024,
}

// ParseMemory parses a human-readable memory size such as "1g", "512m",
// or "256Mi" into an exact byte-count Quantity.
func ParseMemory(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(), fmt.Errorf("empty memory string")
	}

	i := len(s)
	for i > 0 && !isDigitOrDot(s[i-1]) {
		i--
	}
	numPart, unitPart := s[:i], strings.ToLower(strings.TrimSpace(s[i:]))

	mult, ok := memUnits[unitPart]
	if !ok {
		return Zero(), fmt.Errorf("unrecognized memory unit %q in %q", unitPart, s)
	}

	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return Zero(), fmt.Errorf("invalid memory value %q: %w", numPart, err)
	}

	bytes := int64(f * float64(mult))
	return NewQuantityInt(bytes), nil
}

func isDigitOrDot(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.'
}

// FormatMemory is the inverse of ParseMemory: it picks the largest
// binary unit that divides the byte count evenly, falling back to a
// raw byte count otherwise.
func FormatMemory(q Quantity) string {
	bytes := q.rat()
	if !bytes.IsInt() {
		return q.String() + "b"
	}
	n := bytes.Num().Int64()

	units := []struct {
		suffix string
		size   int64
	}{
		{"Ti", 1024 * 1024 * 1024 * 1024},
		{"Gi", 1024 * 1024 * 1024},
		{"Mi", 1024 * 1024},
		{"Ki", 1024},
	}
	for _, u := range units {
		if n != 0 && n%u.size == 0 {
			return strconv.FormatInt(n/u.size, 10) + u.suffix
		}
	}
	return strconv.FormatInt(n, 10)
}
