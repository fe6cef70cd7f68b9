package flows

import (
	"github.com/openshaper/shaperd/pkg/datapath"
)

// retryRingSlots bounds the per-direction record of retransmit times.
const retryRingSlots = 32

// Flow end status values as reported by the datapath.
const (
	EndActive     = 0
	EndExported   = 3
)

// RetryRing is a fixed circular buffer of retransmit timestamps
// (nanoseconds since boot).
type RetryRing struct {
	slots [retryRingSlots]uint64
	head  int
	count int
}

// Push records one retransmit time.
func (r *RetryRing) Push(nanos uint64) {
	r.slots[r.head] = nanos
	r.head = (r.head + 1) % retryRingSlots
	if r.count < retryRingSlots {
		r.count++
	}
}

// Times returns the recorded retransmit timestamps, oldest first.
func (r *RetryRing) Times() []uint64 {
	out := make([]uint64, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += retryRingSlots
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(start+i)%retryRingSlots])
	}
	return out
}

// Len reports how many retransmit times are recorded.
func (r *RetryRing) Len() int { return r.count }

// FlowEnrichment is resolved once when a flow is first observed.
type FlowEnrichment struct {
	AsnID        uint32
	AsnName      string
	Country      string
	ProtocolName string
}

// FlowEntry is the tracker's state for one active flow.
type FlowEntry struct {
	Key    datapath.FlowKey
	Record datapath.FlowRecord

	RetryTimes [2]RetryRing
	Histograms [2]RttHistogram
	Enrichment FlowEnrichment
}

// LastRttNanos returns the flow's most recent RTT reading for a
// direction; zero means no reading yet.
func (f *FlowEntry) LastRttNanos(direction int) uint64 {
	return f.Record.RttNanos[direction]
}
