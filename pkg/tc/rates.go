package tc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	mtuQuantum = 1522
	maxQuantum = 200000
)

// FormatRate converts a plan rate in Mbps to the closest rate spec the
// kernel parser accepts. Whole megabit values keep the mbit unit; sub-
// megabit plans fall back to kbit so a 0.01 Mbps floor stays expressible.
func FormatRate(mbps float64) string {
	if mbps >= 1.0 && mbps == math.Trunc(mbps) {
		return strconv.FormatInt(int64(mbps), 10) + "mbit"
	}
	kbit := int64(math.Round(mbps * 1000.0))
	if kbit < 1 {
		kbit = 1
	}
	return strconv.FormatInt(kbit, 10) + "kbit"
}

// R2q derives the HTB r2q divisor from the link capacity so that
// quantum = rate/r2q lands near the MTU for full-rate classes.
func R2q(capacityMbps uint64) uint64 {
	bytesPerSecond := capacityMbps * 125_000
	r2q := bytesPerSecond / mtuQuantum
	if r2q == 0 {
		r2q = 1
	}
	return r2q
}

// Quantum computes the DRR quantum for a class of the given ceiling,
// clamped so very asymmetric plans stay within sane bounds of the MTU.
func Quantum(ceilMbps uint64, r2q uint64) string {
	q := ceilMbps * 125_000 / r2q
	if q < mtuQuantum {
		q = mtuQuantum
	}
	if q > maxQuantum {
		q = maxQuantum
	}
	return strconv.FormatUint(q, 10)
}

// SqmFixup adjusts the configured SQM tokens for very low-rate plans:
// CAKE's default 100ms rtt is too aggressive below ~10 Mbps.
func SqmFixup(ceilMbps float64, sqm []string) []string {
	if len(sqm) == 0 || sqm[0] != "cake" {
		return sqm
	}
	for _, tok := range sqm {
		if tok == "rtt" {
			return sqm
		}
	}
	switch {
	case ceilMbps <= 5:
		return append(append([]string{}, sqm...), "rtt", "500")
	case ceilMbps <= 10:
		return append(append([]string{}, sqm...), "rtt", "300")
	default:
		return sqm
	}
}

// FormatRateF is FormatRate for the float32 plan fields.
func FormatRateF(mbps float32) string {
	return FormatRate(float64(mbps))
}

// ParseRate is the inverse of FormatRate, returning bits per second.
// Used by tests to confirm the monotonicity of the formatter under the
// kernel's own unit rules.
func ParseRate(s string) (uint64, error) {
	switch {
	case strings.HasSuffix(s, "mbit"):
		v, err := strconv.ParseUint(strings.TrimSuffix(s, "mbit"), 10, 64)
		return v * 1_000_000, err
	case strings.HasSuffix(s, "kbit"):
		v, err := strconv.ParseUint(strings.TrimSuffix(s, "kbit"), 10, 64)
		return v * 1_000, err
	case strings.HasSuffix(s, "bit"):
		return strconv.ParseUint(strings.TrimSuffix(s, "bit"), 10, 64)
	}
	return 0, fmt.Errorf("unrecognized rate %q", s)
}
