// Package flows tracks the lifecycle of active flows drained from the
// kernel ring buffer: per-direction counters and RTT, retransmit
// timing, enrichment, and end-of-flow export.
package flows

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/openshaper/shaperd/pkg/datapath"
	"github.com/openshaper/shaperd/pkg/log"
)

// MaxFlows is the hard ceiling on concurrently tracked flows.
const MaxFlows = 1_000_000

const warnIntervalNanos = 1_000_000_000

// HostAggregate is what one tick of flow activity contributes to a
// single local host: fresh RTT samples (0.1 ms units) and the summed
// cumulative retransmit counters across its flows.
type HostAggregate struct {
	RttSamples      []uint16
	RetransmitsDown uint64
	RetransmitsUp   uint64
}

// Tracker owns the flow map. Its mutex is taken only during the
// drain/aggregate phase of the tick and in query handlers.
type Tracker struct {
	mu    sync.Mutex
	flows map[datapath.FlowKey]*FlowEntry

	resolver     *Resolver
	timeoutNanos uint64
	exportCh     chan *FlowEntry

	lastCapWarnNanos uint64
	capDropped       uint64
	exportDropped    uint64
}

// NewTracker builds a tracker with the given flow timeout (seconds).
func NewTracker(resolver *Resolver, timeoutSeconds uint64, exportBuffer int) *Tracker {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	return &Tracker{
		flows:        make(map[datapath.FlowKey]*FlowEntry),
		resolver:     resolver,
		timeoutNanos: timeoutSeconds * 1_000_000_000,
		exportCh:     make(chan *FlowEntry, exportBuffer),
	}
}

// ExportChannel delivers finished flows to the export thread.
func (t *Tracker) ExportChannel() <-chan *FlowEntry { return t.exportCh }

// Tick drains the ring buffer, folds events into the flow map, expires
// finished flows, and returns this tick's per-host aggregates.
func (t *Tracker) Tick(dp datapath.Datapath, nowNanos uint64) map[netip.Addr]*HostAggregate {
	aggregates := make(map[netip.Addr]*HostAggregate)
	touched := make(map[datapath.FlowKey]struct{})

	t.mu.Lock()
	dp.DrainFlowEvents(func(key datapath.FlowKey, record datapath.FlowRecord) {
		t.applyEvent(key, record, nowNanos, aggregates, touched)
	})

	// Cumulative retransmit totals summed across each host's flows.
	for key, flow := range t.flows {
		if flow.Record.EndStatus != EndActive {
			continue
		}
		agg := aggregates[key.LocalIP]
		if flow.Record.TcpRetransmits[datapath.ToInternet] == 0 &&
			flow.Record.TcpRetransmits[datapath.ToLocal] == 0 {
			continue
		}
		if agg == nil {
			agg = &HostAggregate{}
			aggregates[key.LocalIP] = agg
		}
		agg.RetransmitsUp += uint64(flow.Record.TcpRetransmits[datapath.ToInternet])
		agg.RetransmitsDown += uint64(flow.Record.TcpRetransmits[datapath.ToLocal])
	}

	expired := t.expireLocked(nowNanos, touched)
	t.mu.Unlock()

	if len(expired) > 0 {
		dp.ExpireFlows(expired)
	}
	return aggregates
}

func (t *Tracker) applyEvent(key datapath.FlowKey, record datapath.FlowRecord, nowNanos uint64, aggregates map[netip.Addr]*HostAggregate, touched map[datapath.FlowKey]struct{}) {
	if record.EndStatus == EndExported {
		return
	}
	if record.LastSeenNanos+t.timeoutNanos < nowNanos {
		// Stale event: if we track the flow, age it so expiry catches
		// it below; a never-seen stale flow is not worth creating.
		if flow, ok := t.flows[key]; ok {
			flow.Record.LastSeenNanos = record.LastSeenNanos
		}
		return
	}

	flow, exists := t.flows[key]
	if !exists {
		if len(t.flows) >= MaxFlows {
			t.capDropped++
			if nowNanos-t.lastCapWarnNanos >= warnIntervalNanos {
				t.lastCapWarnNanos = nowNanos
				log.Logger.Warn().
					Uint64("dropped", t.capDropped).
					Msg("flow table at capacity, dropping new flows")
			}
			return
		}
		flow = &FlowEntry{
			Key:        key,
			Record:     record,
			Enrichment: t.resolver.Resolve(key),
		}
		t.flows[key] = flow
		touched[key] = struct{}{}
		t.foldRtt(flow, record, nowNanos, aggregates)
		return
	}
	touched[key] = struct{}{}

	// Retransmit growth gets stamped into the direction's retry ring.
	for dir := 0; dir < 2; dir++ {
		if record.TcpRetransmits[dir] > flow.Record.TcpRetransmits[dir] {
			flow.RetryTimes[dir].Push(nowNanos)
		}
	}
	flow.Record = record
	t.foldRtt(flow, record, nowNanos, aggregates)
}

// foldRtt pushes fresh per-direction RTT readings into the flow's
// histograms and the local host's tick multiset.
func (t *Tracker) foldRtt(flow *FlowEntry, record datapath.FlowRecord, nowNanos uint64, aggregates map[netip.Addr]*HostAggregate) {
	for dir := 0; dir < 2; dir++ {
		rtt := record.RttNanos[dir]
		if rtt == 0 {
			continue
		}
		flow.Record.RttNanos[dir] = rtt
		flow.Histograms[dir].Record(rtt, nowNanos)

		agg := aggregates[flow.Key.LocalIP]
		if agg == nil {
			agg = &HostAggregate{}
			aggregates[flow.Key.LocalIP] = agg
		}
		tenthMs := rtt / 100_000
		if tenthMs > 65535 {
			tenthMs = 65535
		}
		agg.RttSamples = append(agg.RttSamples, uint16(tenthMs))
	}
}

// expireLocked removes flows past the timeout or marked terminated,
// hands them to the export channel, and returns their keys for kernel
// garbage collection. A flow touched by an event this tick is never
// expired on the same tick, so a boundary-age observation survives to
// the next cycle. An unexportable flow (full channel) is retained with
// end status 3 and retried next tick.
func (t *Tracker) expireLocked(nowNanos uint64, touched map[datapath.FlowKey]struct{}) []datapath.FlowKey {
	var expired []datapath.FlowKey
	for key, flow := range t.flows {
		timedOut := nowNanos-flow.Record.LastSeenNanos >= t.timeoutNanos
		if _, fresh := touched[key]; fresh && flow.Record.EndStatus == EndActive {
			continue
		}
		if !timedOut && flow.Record.EndStatus == EndActive {
			continue
		}
		flow.Record.EndStatus = EndExported
		select {
		case t.exportCh <- flow:
			delete(t.flows, key)
			expired = append(expired, key)
		default:
			t.exportDropped++
		}
	}
	return expired
}

// CountActive returns the number of live flows.
func (t *Tracker) CountActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, flow := range t.flows {
		if flow.Record.EndStatus == EndActive {
			count++
		}
	}
	return count
}

// FlowSnapshot is a query-safe copy of one flow.
type FlowSnapshot struct {
	Key        datapath.FlowKey
	Record     datapath.FlowRecord
	Enrichment FlowEnrichment
	RetryDown  []uint64
	RetryUp    []uint64
}

func snapshotOf(flow *FlowEntry) FlowSnapshot {
	return FlowSnapshot{
		Key:        flow.Key,
		Record:     flow.Record,
		Enrichment: flow.Enrichment,
		RetryUp:    flow.RetryTimes[datapath.ToInternet].Times(),
		RetryDown:  flow.RetryTimes[datapath.ToLocal].Times(),
	}
}

// DumpActive copies out every live flow.
func (t *Tracker) DumpActive() []FlowSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FlowSnapshot, 0, len(t.flows))
	for _, flow := range t.flows {
		if flow.Record.EndStatus != EndActive {
			continue
		}
		out = append(out, snapshotOf(flow))
	}
	return out
}

// TopFlowCriterion selects the ordering for TopFlows.
type TopFlowCriterion int

const (
	TopByRate TopFlowCriterion = iota
	TopByBytes
	TopByPackets
	TopByRetransmits
	TopByRtt
)

// TopFlows returns the n highest-ranked live flows by the criterion.
func (t *Tracker) TopFlows(n int, criterion TopFlowCriterion) []FlowSnapshot {
	all := t.DumpActive()
	rank := func(f FlowSnapshot) uint64 {
		switch criterion {
		case TopByBytes:
			return f.Record.BytesSent[0] + f.Record.BytesSent[1]
		case TopByPackets:
			return f.Record.PacketsSent[0] + f.Record.PacketsSent[1]
		case TopByRetransmits:
			return uint64(f.Record.TcpRetransmits[0]) + uint64(f.Record.TcpRetransmits[1])
		case TopByRtt:
			return max(f.Record.RttNanos[0], f.Record.RttNanos[1])
		default:
			return uint64(f.Record.RateEstimate[0]) + uint64(f.Record.RateEstimate[1])
		}
	}
	sort.Slice(all, func(i, j int) bool { return rank(all[i]) > rank(all[j]) })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// FlowsByIP returns every live flow whose local address matches.
func (t *Tracker) FlowsByIP(ip netip.Addr) []FlowSnapshot {
	addr := ip.Unmap()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []FlowSnapshot
	for key, flow := range t.flows {
		if flow.Record.EndStatus != EndActive {
			continue
		}
		if key.LocalIP.Unmap() == addr {
			out = append(out, snapshotOf(flow))
		}
	}
	return out
}

// ExportDropped counts flows that could not be exported because the
// channel was full.
func (t *Tracker) ExportDropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exportDropped
}
