// Package tc composes and executes Linux traffic-control commands for
// the shaping hierarchy: handle arithmetic, rate formatting, and a
// batched argv executor around the platform `tc` binary.
package tc

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle is a kernel qdisc/class identifier: (major, minor) 16-bit
// halves packed into one 32-bit value.
type Handle uint32

// NewHandle packs a major:minor pair.
func NewHandle(major, minor uint16) Handle {
	return Handle(uint32(major)<<16 | uint32(minor))
}

// MajorMinor unpacks the two halves.
func (h Handle) MajorMinor() (uint16, uint16) {
	return uint16(h >> 16), uint16(h & 0xFFFF)
}

// String renders the handle the way tc accepts it, e.g. "0x1:0x3".
func (h Handle) String() string {
	major, minor := h.MajorMinor()
	return fmt.Sprintf("0x%x:0x%x", major, minor)
}

// ParseHandle parses "major:minor" with optional 0x prefixes, as printed
// by `tc -s qdisc` and `tc class show`.
func ParseHandle(s string) (Handle, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid tc handle %q", s)
	}
	major, err := parseHex16(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid tc handle major in %q: %w", s, err)
	}
	var minor uint16
	if parts[1] != "" {
		minor, err = parseHex16(parts[1])
		if err != nil {
			return 0, fmt.Errorf("invalid tc handle minor in %q: %w", s, err)
		}
	}
	return NewHandle(major, minor), nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}
