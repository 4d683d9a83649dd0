package source

import (
	"fmt"
	"strconv"
	"strings"
)

// parseDecorated converts a human-formatted numeric string to a float64,
// stripping currency symbols, thousands separators and surrounding noise
// first. "₹1,23,456.78" parses to 123456.78.
func parseDecorated(s string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '+':
			return r
		case r == 'e' || r == 'E':
			return r
		default:
			return -1
		}
	}, strings.TrimSpace(s))

	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", s)
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q: %w", s, err)
	}
	return v, nil
}
