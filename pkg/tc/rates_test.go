package tc

import (
	"testing"
)

func TestFormatRateWholeMbit(t *testing.T) {
	cases := map[float64]string{
		1:    "1mbit",
		100:  "100mbit",
		2500: "2500mbit",
	}
	for mbps, want := range cases {
		if got := FormatRate(mbps); got != want {
			t.Fatalf("FormatRate(%v) = %q, want %q", mbps, got, want)
		}
	}
}

func TestFormatRateSubMegabit(t *testing.T) {
	if got := FormatRate(0.01); got != "10kbit" {
		t.Fatalf("floor rate formatted as %q, want 10kbit", got)
	}
	if got := FormatRate(0.5); got != "500kbit" {
		t.Fatalf("FormatRate(0.5) = %q, want 500kbit", got)
	}
	if got := FormatRate(2.5); got != "2500kbit" {
		t.Fatalf("FormatRate(2.5) = %q, want 2500kbit", got)
	}
}

func TestFormatRateMonotonic(t *testing.T) {
	// If a <= b, the formatted rates must sort not-greater under the
	// kernel's own unit rules.
	rates := []float64{0.01, 0.02, 0.5, 0.99, 1, 1.5, 2, 9.75, 10, 100, 1000, 10000}
	var prev uint64
	for i, mbps := range rates {
		parsed, err := ParseRate(FormatRate(mbps))
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", FormatRate(mbps), err)
		}
		if i > 0 && parsed < prev {
			t.Fatalf("formatted rate for %v Mbps (%d bit) sorts below the previous rate (%d bit)", mbps, parsed, prev)
		}
		prev = parsed
	}
}

func TestQuantumNearMtu(t *testing.T) {
	r2q := R2q(1000)
	// A full-capacity class should land close to the MTU.
	if got := Quantum(1000, r2q); got != "1522" {
		t.Fatalf("full-rate quantum = %s, want 1522", got)
	}
}

func TestQuantumClamped(t *testing.T) {
	r2q := R2q(10000)
	if got := Quantum(1, r2q); got != "1522" {
		t.Fatalf("tiny class quantum = %s, want clamp to 1522", got)
	}
	if got := Quantum(100000, R2q(10)); got != "200000" {
		t.Fatalf("huge class quantum = %s, want clamp to 200000", got)
	}
}

func TestSqmFixupLowRates(t *testing.T) {
	base := []string{"cake", "diffserv4"}
	got := SqmFixup(4, base)
	if len(got) != 4 || got[2] != "rtt" || got[3] != "500" {
		t.Fatalf("SqmFixup(4) = %v, want rtt 500 appended", got)
	}
	got = SqmFixup(8, base)
	if len(got) != 4 || got[3] != "300" {
		t.Fatalf("SqmFixup(8) = %v, want rtt 300 appended", got)
	}
	got = SqmFixup(100, base)
	if len(got) != 2 {
		t.Fatalf("SqmFixup(100) = %v, want untouched", got)
	}
	// Explicit rtt wins over the fixup.
	custom := []string{"cake", "rtt", "50"}
	if got := SqmFixup(2, custom); len(got) != 3 {
		t.Fatalf("SqmFixup must not override an explicit rtt: %v", got)
	}
	// Non-cake SQM is never touched.
	if got := SqmFixup(2, []string{"fq_codel"}); len(got) != 1 {
		t.Fatalf("SqmFixup touched fq_codel: %v", got)
	}
}

func TestHandleRoundTrip(t *testing.T) {
	h := NewHandle(0x7FFF, 0x3)
	if h.String() != "0x7fff:0x3" {
		t.Fatalf("handle string = %s", h.String())
	}
	parsed, err := ParseHandle("7fff:3")
	if err != nil {
		t.Fatalf("ParseHandle: %v", err)
	}
	if parsed != h {
		t.Fatalf("parsed %v, want %v", parsed, h)
	}
	major, minor := parsed.MajorMinor()
	if major != 0x7FFF || minor != 3 {
		t.Fatalf("major/minor = %x/%x", major, minor)
	}
	if _, err := ParseHandle("nope"); err == nil {
		t.Fatal("expected error for malformed handle")
	}
}
