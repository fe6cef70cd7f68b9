package facade

import (
	"time"

	"github.com/openshaper/shaperd/pkg/bakery"
	"github.com/openshaper/shaperd/pkg/datapath"
	"github.com/openshaper/shaperd/pkg/heatmap"
	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/metrics"
)

// TickEngine drives the once-per-second aggregation cycle on its own
// thread. NowNanos is injectable so the suite can replay time; the
// production datapath reports timestamps on the same clock.
type TickEngine struct {
	Facade   *Facade
	Datapath datapath.Datapath
	Interval time.Duration
	NowNanos func() uint64

	// OnTick, when set, runs at the end of every cycle; the telemetry
	// fan-out hangs off it.
	OnTick func()

	missedTicks uint64
}

// NewTickEngine builds the engine with a 1 Hz default.
func NewTickEngine(f *Facade, dp datapath.Datapath) *TickEngine {
	return &TickEngine{
		Facade:   f,
		Datapath: dp,
		Interval: time.Second,
		NowNanos: func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// Run loops until the stop channel closes. Each wakeup performs the
// ordered tick steps; an overrun is logged and counted, never skipped.
func (e *TickEngine) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.RunTick()
		}
	}
}

// RunTick executes one full aggregation cycle.
func (e *TickEngine) RunTick() {
	started := time.Now()
	f := e.Facade

	activity := f.Tracker.Tick(e.Datapath, f.Flows, f.QueueStats, e.NowNanos())
	if len(activity) > 0 {
		f.Bakery.Send(bakery.OnCircuitActivity{CircuitHashes: activity})
	}
	f.Bakery.Send(bakery.Tick{})

	f.RecordHeatmaps()
	if e.OnTick != nil {
		e.OnTick()
	}

	elapsed := time.Since(started)
	metrics.TickDuration.Set(elapsed.Seconds())
	metrics.ActiveFlows.Set(float64(f.Flows.CountActive()))
	metrics.BakeryQueueDepth.Set(float64(f.Bakery.QueueDepth()))
	if elapsed > e.Interval {
		e.missedTicks++
		metrics.MissedTicks.Inc()
		log.Logger.Warn().
			Dur("elapsed", elapsed).
			Dur("period", e.Interval).
			Uint64("missed_total", e.missedTicks).
			Msg("tick overran its period")
	}
}

// RecordHeatmaps samples the trackers into the per-entity heatmaps.
func (f *Facade) RecordHeatmaps() {
	if f.Heatmaps == nil {
		return
	}
	totals := f.Tracker.Totals()

	// Global sample: throughput in bits/s, RTT medians from the root
	// node's tick multiset.
	m := f.Store.Snapshot()
	var rootRtt *float32
	if m != nil && len(m.Nodes) > 0 {
		if median, ok := m.Nodes[0].Live.MedianRttMs(); ok {
			rootRtt = heatmap.F(median)
		}
	}
	var globalRetransDown, globalRetransUp *float32
	if m != nil && len(m.Nodes) > 0 {
		root := &m.Nodes[0].Live
		if v := root.RetransDown.Load(); v > 0 {
			globalRetransDown = heatmap.F(float32(v))
		}
		if v := root.RetransUp.Load(); v > 0 {
			globalRetransUp = heatmap.F(float32(v))
		}
	}
	f.Heatmaps.RecordGlobal(
		float32(totals.Bits.Down), float32(totals.Bits.Up),
		rootRtt, rootRtt, nil, nil,
		globalRetransDown, globalRetransUp,
	)

	for hash, summary := range f.Tracker.CircuitSummaries() {
		var rtt *float32
		if summary.MedianRttMs > 0 {
			rtt = heatmap.F(summary.MedianRttMs)
		}
		var retransDown, retransUp *float32
		if summary.TcpRetransmits.Down > 0 {
			retransDown = heatmap.F(float32(summary.TcpRetransmits.Down))
		}
		if summary.TcpRetransmits.Up > 0 {
			retransUp = heatmap.F(float32(summary.TcpRetransmits.Up))
		}
		f.Heatmaps.RecordCircuit(hash,
			float32(summary.Bits.Down), float32(summary.Bits.Up),
			rtt, rtt, nil, nil, retransDown, retransUp)
	}

	for _, node := range f.Tracker.NetworkTree() {
		if node.Index == 0 || node.NodeType != "site" {
			continue
		}
		var rtt *float32
		if node.MedianRttMs > 0 {
			rtt = heatmap.F(node.MedianRttMs)
		}
		var retransDown, retransUp *float32
		if node.Retransmits.Down > 0 {
			retransDown = heatmap.F(float32(node.Retransmits.Down))
		}
		if node.Retransmits.Up > 0 {
			retransUp = heatmap.F(float32(node.Retransmits.Up))
		}
		f.Heatmaps.RecordSite(node.Name,
			float32(node.Bits.Down), float32(node.Bits.Up),
			rtt, rtt, nil, nil, retransDown, retransUp)
	}

	f.recordAsnHeatmaps()
}

// recordAsnHeatmaps folds active flows by ASN. Rate estimates stand in
// for per-tick byte deltas; flows without an ASN name are skipped.
func (f *Facade) recordAsnHeatmaps() {
	type asnAccum struct {
		down, up float32
		rtt      *float32
	}
	byAsn := map[string]*asnAccum{}
	for _, flow := range f.Flows.DumpActive() {
		name := flow.Enrichment.AsnName
		if name == "" {
			continue
		}
		acc := byAsn[name]
		if acc == nil {
			acc = &asnAccum{}
			byAsn[name] = acc
		}
		acc.down += float32(flow.Record.RateEstimate[1])
		acc.up += float32(flow.Record.RateEstimate[0])
		if rtt := flow.Record.RttNanos[1]; rtt > 0 {
			acc.rtt = heatmap.F(float32(rtt) / 1e6)
		}
	}
	for name, acc := range byAsn {
		f.Heatmaps.RecordAsn(name, acc.down, acc.up, acc.rtt, acc.rtt, nil, nil, nil, nil)
	}
}
