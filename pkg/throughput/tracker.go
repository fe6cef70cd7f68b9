package throughput

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/openshaper/shaperd/pkg/datapath"
	"github.com/openshaper/shaperd/pkg/flows"
	"github.com/openshaper/shaperd/pkg/model"
	"github.com/openshaper/shaperd/pkg/queuestats"
)

const (
	// retireAfterNanos ages out hosts unseen for five minutes.
	retireAfterNanos = 300 * 1_000_000_000
	// rttRetireCycles clears a host's RTT window after 30 quiet ticks.
	rttRetireCycles = 30
	// recentCycles is the "seen recently" horizon for the top lists.
	recentCycles = 5
)

// Totals is the system-wide per-second view recomputed each tick.
type Totals struct {
	Bits       DownUp
	ShapedBits DownUp
	Packets    DownUp
	Tcp        DownUp
	Udp        DownUp
	Icmp       DownUp
}

// Tracker owns the host table and advances it once per tick. The mutex
// is taken briefly in each tick step; queries copy out the minimum.
type Tracker struct {
	mu     sync.Mutex
	hosts  map[netip.Addr]*HostEntry
	cycle  uint64
	totals Totals

	store *model.Store

	// ActivityThresholdBytes gates lazy-queue activity reporting: a
	// circuit must move at least this many bytes in a tick to count
	// as active. Zero reports any movement.
	ActivityThresholdBytes uint64
}

// NewTracker builds a tracker over the published model.
func NewTracker(store *model.Store) *Tracker {
	return &Tracker{
		hosts: make(map[netip.Addr]*HostEntry),
		cycle: 1,
		store: store,
	}
}

// Cycle returns the current tick counter.
func (t *Tracker) Cycle() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycle
}

// Tick runs one aggregation cycle: steps 1–7 in order. It returns the
// set of circuit hashes that saw traffic, for the Bakery's lazy-queue
// activity tracking.
func (t *Tracker) Tick(dp datapath.Datapath, ft *flows.Tracker, qs *queuestats.Reader, nowNanos uint64) map[int64]struct{} {
	t.ZeroLiveNodes()
	t.CopyPreviousAndResetRtt()
	activity := t.ApplyNewThroughputCounters(dp, nowNanos)
	if ft != nil {
		t.ApplyFlowData(ft.Tick(dp, nowNanos))
	}
	if qs != nil {
		qs.Poll()
		t.ApplyQueueStats(qs.Summary())
	}
	t.UpdateTotals()
	t.NextCycle(dp, nowNanos)
	return activity
}

// ZeroLiveNodes clears every tree node's per-tick counters (step 1).
func (t *Tracker) ZeroLiveNodes() {
	if m := t.store.Snapshot(); m != nil {
		m.ZeroLiveNodes()
	}
}

// CopyPreviousAndResetRtt rolls cumulative counters into per-second
// deltas and retires stale RTT windows (step 2).
func (t *Tracker) CopyPreviousAndResetRtt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, host := range t.hosts {
		if host.FirstCycle < t.cycle {
			host.BytesPerSecond = host.Bytes.Delta(host.PrevBytes)
			host.PacketsPerSecond = host.Packets.Delta(host.PrevPackets)
			host.TcpPerSecond = host.Tcp.Delta(host.PrevTcp)
			host.UdpPerSecond = host.Udp.Delta(host.PrevUdp)
			host.IcmpPerSecond = host.Icmp.Delta(host.PrevIcmp)
			host.RetransmitsPerTick = host.TcpRetransmits.Delta(host.PrevTcpRetransmits)
		}
		host.PrevBytes = host.Bytes
		host.PrevPackets = host.Packets
		host.PrevTcp = host.Tcp
		host.PrevUdp = host.Udp
		host.PrevIcmp = host.Icmp
		host.PrevTcpRetransmits = host.TcpRetransmits

		if host.LastFreshRttCycle+rttRetireCycles < t.cycle {
			host.ClearRtt()
		}
	}
}

// ApplyNewThroughputCounters sums the per-CPU kernel counters into the
// host table and walks each delta up the ancestry (step 3).
func (t *Tracker) ApplyNewThroughputCounters(dp datapath.Datapath, nowNanos uint64) map[int64]struct{} {
	m := t.store.Snapshot()
	activity := make(map[int64]struct{})

	t.mu.Lock()
	defer t.mu.Unlock()

	dp.IterateHostCounters(func(ip netip.Addr, perCPU []datapath.HostCounter) {
		if m != nil && !m.AllowedIP(ip) {
			return
		}
		host, exists := t.hosts[ip]
		if !exists {
			host = &HostEntry{IP: ip, FirstCycle: t.cycle}
			if m != nil {
				if circuitID, circuitHash, ancestry, ok := m.Resolve(ip); ok {
					host.CircuitID = circuitID
					host.CircuitHash = circuitHash
					host.Ancestry = ancestry
				}
			}
			t.hosts[ip] = host
		}

		var bytes, packets, tcp, udp, icmp DownUp
		var tcHandle uint32
		var lastSeen uint64
		for _, row := range perCPU {
			bytes.Add(DownUp{Down: row.DownloadBytes, Up: row.UploadBytes})
			packets.Add(DownUp{Down: row.DownloadPackets, Up: row.UploadPackets})
			tcp.Add(DownUp{Down: row.TcpDown, Up: row.TcpUp})
			udp.Add(DownUp{Down: row.UdpDown, Up: row.UdpUp})
			icmp.Add(DownUp{Down: row.IcmpDown, Up: row.IcmpUp})
			if row.TcHandle != 0 {
				tcHandle = row.TcHandle
			}
			if row.LastSeenNanos > lastSeen {
				lastSeen = row.LastSeenNanos
			}
		}

		delta := bytes.Delta(host.Bytes)
		packetDelta := packets.Delta(host.Packets)
		tcpDelta := tcp.Delta(host.Tcp)
		udpDelta := udp.Delta(host.Udp)
		icmpDelta := icmp.Delta(host.Icmp)

		host.Bytes = bytes
		host.Packets = packets
		host.Tcp = tcp
		host.Udp = udp
		host.Icmp = icmp
		if tcHandle != 0 {
			host.TcHandle = tcHandle
		}
		if lastSeen > host.LastSeenNanos {
			host.LastSeenNanos = lastSeen
		} else if delta.Sum() > 0 {
			host.LastSeenNanos = nowNanos
		}

		if delta.Sum() > 0 || packetDelta.Sum() > 0 {
			host.MostRecentCycle = t.cycle
			if host.CircuitHash != 0 && delta.Sum() >= t.ActivityThresholdBytes {
				activity[host.CircuitHash] = struct{}{}
			}
		}

		if m != nil && host.Ancestry != nil {
			for _, idx := range host.Ancestry {
				live := &m.Nodes[idx].Live
				live.BytesDown.Add(delta.Down)
				live.BytesUp.Add(delta.Up)
				live.PacketsDown.Add(packetDelta.Down)
				live.PacketsUp.Add(packetDelta.Up)
				live.TcpDown.Add(tcpDelta.Down)
				live.TcpUp.Add(tcpDelta.Up)
				live.UdpDown.Add(udpDelta.Down)
				live.UdpUp.Add(udpDelta.Up)
				live.IcmpDown.Add(icmpDelta.Down)
				live.IcmpUp.Add(icmpDelta.Up)
			}
		}
	})
	return activity
}

// ApplyFlowData folds the flow tracker's per-host aggregates into host
// entries and their ancestry (step 4).
func (t *Tracker) ApplyFlowData(aggregates map[netip.Addr]*flows.HostAggregate) {
	m := t.store.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, agg := range aggregates {
		host, ok := t.hosts[ip.Unmap()]
		if !ok {
			host, ok = t.hosts[ip]
		}
		if !ok {
			continue
		}

		if len(agg.RttSamples) > 0 {
			samples := append([]uint16{}, agg.RttSamples...)
			sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
			median := samples[len(samples)/2]
			host.ShiftRtt(median)
			host.LastFreshRttCycle = t.cycle
			if m != nil && host.Ancestry != nil {
				for _, idx := range host.Ancestry {
					m.Nodes[idx].Live.AddRtt(median)
				}
			}
		}

		retransmits := DownUp{Down: agg.RetransmitsDown, Up: agg.RetransmitsUp}
		delta := retransmits.Delta(host.PrevTcpRetransmits)
		host.TcpRetransmits = retransmits
		host.RetransmitsPerTick = delta
		if m != nil && host.Ancestry != nil && delta.Sum() > 0 {
			for _, idx := range host.Ancestry {
				m.Nodes[idx].Live.RetransDown.Add(delta.Down)
				m.Nodes[idx].Live.RetransUp.Add(delta.Up)
			}
		}
	}
}

// ApplyQueueStats folds per-circuit CAKE marks and drops into the
// circuit's hosts and ancestry (step 5).
func (t *Tracker) ApplyQueueStats(summary *queuestats.Summary) {
	if summary == nil || len(summary.Circuits) == 0 {
		return
	}
	m := t.store.Snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	for circuitHash, delta := range summary.Circuits {
		marks := DownUp{Down: delta.DownMarks, Up: delta.UpMarks}
		drops := DownUp{Down: delta.DownDrops, Up: delta.UpDrops}

		// Marks and drops are per-circuit granularity; every host of
		// the circuit reports the circuit's numbers.
		for _, host := range t.hosts {
			if host.CircuitHash == circuitHash {
				host.Marks = marks
				host.Drops = drops
			}
		}

		if m != nil {
			if circuit, ok := m.CircuitByHash(circuitHash); ok {
				for _, idx := range m.Nodes[circuit.ParentNodeIdx].Ancestors {
					live := &m.Nodes[idx].Live
					live.MarksDown.Add(marks.Down)
					live.MarksUp.Add(marks.Up)
					live.DropsDown.Add(drops.Down)
					live.DropsUp.Add(drops.Up)
				}
			}
		}
	}
}

// UpdateTotals recomputes the system-wide counters (step 6).
func (t *Tracker) UpdateTotals() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var totals Totals
	for _, host := range t.hosts {
		if host.MostRecentCycle+1 < t.cycle {
			continue
		}
		bits := DownUp{Down: host.BytesPerSecond.Down * 8, Up: host.BytesPerSecond.Up * 8}
		totals.Bits.Add(bits)
		if host.Shaped() {
			totals.ShapedBits.Add(bits)
		}
		totals.Packets.Add(host.PacketsPerSecond)
		totals.Tcp.Add(host.TcpPerSecond)
		totals.Udp.Add(host.UdpPerSecond)
		totals.Icmp.Add(host.IcmpPerSecond)
	}
	t.totals = totals
}

// NextCycle advances the cycle counter and retires hosts unseen for
// five minutes, telling the datapath to drop their map keys (step 7).
func (t *Tracker) NextCycle(dp datapath.Datapath, nowNanos uint64) {
	t.mu.Lock()
	var retired []netip.Addr
	for ip, host := range t.hosts {
		if host.LastSeenNanos != 0 && nowNanos-host.LastSeenNanos > retireAfterNanos {
			delete(t.hosts, ip)
			retired = append(retired, ip)
		}
	}
	t.cycle++
	t.mu.Unlock()

	if len(retired) > 0 && dp != nil {
		dp.ExpireHosts(retired)
	}
}

// Totals returns the current system-wide per-second counters.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}
