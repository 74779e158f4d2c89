package util

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// rateUnits maps a lowercase rate suffix to its multiplier in bytes per
// second. Suffixes with a slash are byte-oriented (binary multiples, the
// convention device datasheets use); bit-oriented suffixes are decimal.
var rateUnits = map[string]float64{
	"b/s":  1,
	"kb/s": 1024,
	"mb/s": 1024 * 1024,
	"gb/s": 1024 * 1024 * 1024,
	"bps":  1.0 / 8,
	"kbps": 125,
	"mbps": 125000,
	"gbps": 125000000,
	"bit":  1.0 / 8,
	"kbit": 125,
	"mbit": 125000,
	"gbit": 125000000,
}

var ratePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-z/]+)$`)

// ParseRate parses a rate string like "50kb/s" or "2mbit" into bytes per
// second. Input is expected lowercase. Zero and negative rates are rejected.
func ParseRate(s string) (float64, error) {
	m := ratePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unparseable rate %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable rate %q: %w", s, err)
	}
	mult, ok := rateUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit %q", m[2])
	}
	rate := value * mult
	if rate <= 0 {
		return 0, fmt.Errorf("rate must be positive, got %q", s)
	}
	return rate, nil
}

// BytesToBits converts a bytes-per-second rate to whole bits per second.
func BytesToBits(bytesPerSec float64) int64 {
	return int64(math.Round(bytesPerSec * 8))
}

// FormatBitRate renders a bits-per-second value as a tc rate argument.
func FormatBitRate(bps int64) string {
	return strconv.FormatInt(bps, 10) + "bit"
}

var durationUnits = map[string]float64{
	"ms":           1,
	"millisecond":  1,
	"milliseconds": 1,
	"s":            1000,
	"sec":          1000,
	"second":       1000,
	"seconds":      1000,
	"m":            60000,
	"min":          60000,
	"minute":       60000,
	"minutes":      60000,
}

var durationPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-z]+)$`)

// ParseDurationMS parses a duration string like "20ms" or "30s" into
// milliseconds. Input is expected lowercase. A bare number is milliseconds.
func ParseDurationMS(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unparseable duration %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable duration %q: %w", s, err)
	}
	mult, ok := durationUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("unknown duration unit %q", m[2])
	}
	return value * mult, nil
}
