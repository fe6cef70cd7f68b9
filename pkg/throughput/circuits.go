package throughput

// CircuitSummary is one circuit's per-tick rollup across its hosts.
type CircuitSummary struct {
	CircuitID      string
	Bits           DownUp
	Packets        DownUp
	MedianRttMs    float32
	TcpRetransmits DownUp
	Marks          DownUp
	Drops          DownUp
}

// CircuitSummaries sums recently seen hosts by circuit. Hosts without
// a device-table match are excluded.
func (t *Tracker) CircuitSummaries() map[int64]CircuitSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[int64]CircuitSummary)
	for _, host := range t.hosts {
		if host.CircuitHash == 0 || host.MostRecentCycle+recentCycles < t.cycle {
			continue
		}
		summary := out[host.CircuitHash]
		summary.CircuitID = host.CircuitID
		summary.Bits.Add(DownUp{Down: host.BytesPerSecond.Down * 8, Up: host.BytesPerSecond.Up * 8})
		summary.Packets.Add(host.PacketsPerSecond)
		summary.TcpRetransmits.Add(host.RetransmitsPerTick)
		summary.Marks = host.Marks
		summary.Drops = host.Drops
		if rtt := host.MedianRttMs(); rtt > summary.MedianRttMs {
			summary.MedianRttMs = rtt
		}
		out[host.CircuitHash] = summary
	}
	return out
}
