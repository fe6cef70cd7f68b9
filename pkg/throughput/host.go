// Package throughput aggregates per-host kernel counters into the
// live network tree, once per tick, and serves the top-N projections
// over the result.
package throughput

import (
	"net/netip"
	"sort"
)

// rttRingSize is the per-host rolling RTT window (one median per tick).
const rttRingSize = 60

// DownUp is a per-direction counter pair.
type DownUp struct {
	Down uint64
	Up   uint64
}

// Sum is the both-directions total.
func (d DownUp) Sum() uint64 { return d.Down + d.Up }

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// Delta is the saturating per-field difference against a previous
// sample; small counter regressions across cycle boundaries clamp to 0.
func (d DownUp) Delta(prev DownUp) DownUp {
	return DownUp{Down: satSub(d.Down, prev.Down), Up: satSub(d.Up, prev.Up)}
}

// Add accumulates another pair.
func (d *DownUp) Add(other DownUp) {
	d.Down += other.Down
	d.Up += other.Up
}

// HostEntry is the tracker's state for one IP observed on the wire.
type HostEntry struct {
	IP netip.Addr

	Bytes       DownUp
	PrevBytes   DownUp
	Packets     DownUp
	PrevPackets DownUp
	Tcp         DownUp
	Udp         DownUp
	Icmp        DownUp
	PrevTcp     DownUp
	PrevUdp     DownUp
	PrevIcmp    DownUp

	BytesPerSecond   DownUp
	PacketsPerSecond DownUp
	TcpPerSecond     DownUp
	UdpPerSecond     DownUp
	IcmpPerSecond    DownUp

	TcHandle uint32

	// RttRing holds per-tick median RTTs in 0.1 ms units, newest at
	// index 0. Zero slots are empty.
	RttRing           [rttRingSize]uint16
	LastFreshRttCycle uint64

	TcpRetransmits     DownUp
	PrevTcpRetransmits DownUp
	RetransmitsPerTick DownUp

	Marks DownUp
	Drops DownUp

	CircuitID   string
	CircuitHash int64
	// Ancestry is the circuit's node index walk, leaf toward root;
	// nil for IPs with no device-table match.
	Ancestry []int

	FirstCycle      uint64
	MostRecentCycle uint64
	LastSeenNanos   uint64
}

// ShiftRtt pushes a fresh median into position 0 of the ring.
func (h *HostEntry) ShiftRtt(median uint16) {
	copy(h.RttRing[1:], h.RttRing[:rttRingSize-1])
	h.RttRing[0] = median
}

// ClearRtt empties the ring after the freshness window lapses.
func (h *HostEntry) ClearRtt() {
	h.RttRing = [rttRingSize]uint16{}
}

// MedianRttTenthMs is the median over the non-empty ring slots; ok is
// false for an empty ring.
func (h *HostEntry) MedianRttTenthMs() (uint16, bool) {
	var samples []uint16
	for _, s := range h.RttRing {
		if s != 0 {
			samples = append(samples, s)
		}
	}
	if len(samples) == 0 {
		return 0, false
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[len(samples)/2], true
}

// MedianRttMs converts the ring median to milliseconds.
func (h *HostEntry) MedianRttMs() float32 {
	median, ok := h.MedianRttTenthMs()
	if !ok {
		return 0
	}
	return float32(median) / 10.0
}

// Shaped reports whether the kernel classified this host into a
// shaping class.
func (h *HostEntry) Shaped() bool { return h.TcHandle != 0 }
