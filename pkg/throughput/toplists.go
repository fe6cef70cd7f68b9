package throughput

import (
	"sort"
)

// HostView is the query-safe projection of one host entry.
type HostView struct {
	IP               string
	CircuitID        string
	TcHandle         uint32
	BitsPerSecond    DownUp
	PacketsPerSecond DownUp
	MedianRttMs      float32
	TcpRetransmits   DownUp
}

func viewOf(host *HostEntry) HostView {
	return HostView{
		IP:               host.IP.Unmap().String(),
		CircuitID:        host.CircuitID,
		TcHandle:         host.TcHandle,
		BitsPerSecond:    DownUp{Down: host.BytesPerSecond.Down * 8, Up: host.BytesPerSecond.Up * 8},
		PacketsPerSecond: host.PacketsPerSecond,
		MedianRttMs:      host.MedianRttMs(),
		TcpRetransmits:   host.RetransmitsPerTick,
	}
}

// recentHostsLocked copies out hosts seen in the current or a recent
// cycle. Callers hold the mutex.
func (t *Tracker) recentHostsLocked() []*HostEntry {
	var out []*HostEntry
	for _, host := range t.hosts {
		if host.MostRecentCycle+recentCycles >= t.cycle {
			out = append(out, host)
		}
	}
	return out
}

func (t *Tracker) sortedViews(less func(a, b *HostEntry) bool) []HostView {
	t.mu.Lock()
	recent := t.recentHostsLocked()
	sort.Slice(recent, func(i, j int) bool { return less(recent[i], recent[j]) })
	views := make([]HostView, len(recent))
	for i, host := range recent {
		views[i] = viewOf(host)
	}
	t.mu.Unlock()
	return views
}

func window(views []HostView, start, end int) []HostView {
	if start < 0 {
		start = 0
	}
	if end > len(views) {
		end = len(views)
	}
	if start >= end {
		return nil
	}
	return views[start:end]
}

// TopN ranks recently seen hosts by download throughput, descending.
func (t *Tracker) TopN(start, end int) []HostView {
	views := t.sortedViews(func(a, b *HostEntry) bool {
		return a.BytesPerSecond.Down > b.BytesPerSecond.Down
	})
	return window(views, start, end)
}

// WorstRtt ranks hosts by median RTT, worst first. Hosts without RTT
// samples are excluded.
func (t *Tracker) WorstRtt(start, end int) []HostView {
	views := t.sortedViews(func(a, b *HostEntry) bool {
		am, _ := a.MedianRttTenthMs()
		bm, _ := b.MedianRttTenthMs()
		return am > bm
	})
	filtered := views[:0:0]
	for _, v := range views {
		if v.MedianRttMs > 0 {
			filtered = append(filtered, v)
		}
	}
	return window(filtered, start, end)
}

// WorstRetransmits ranks hosts by this tick's retransmit count.
func (t *Tracker) WorstRetransmits(start, end int) []HostView {
	views := t.sortedViews(func(a, b *HostEntry) bool {
		return a.RetransmitsPerTick.Sum() > b.RetransmitsPerTick.Sum()
	})
	return window(views, start, end)
}

// BestRtt ranks hosts by median RTT, best first, excluding hosts
// without samples.
func (t *Tracker) BestRtt(start, end int) []HostView {
	views := t.sortedViews(func(a, b *HostEntry) bool {
		am, aok := a.MedianRttTenthMs()
		bm, bok := b.MedianRttTenthMs()
		if aok != bok {
			return aok
		}
		return am < bm
	})
	filtered := views[:0:0]
	for _, v := range views {
		if v.MedianRttMs > 0 {
			filtered = append(filtered, v)
		}
	}
	return window(filtered, start, end)
}

// HostCounters returns every tracked host, unsorted.
func (t *Tracker) HostCounters() []HostView {
	t.mu.Lock()
	defer t.mu.Unlock()
	views := make([]HostView, 0, len(t.hosts))
	for _, host := range t.hosts {
		views = append(views, viewOf(host))
	}
	return views
}

// AllUnknownIPs lists recently seen hosts with no device-table match.
func (t *Tracker) AllUnknownIPs() []HostView {
	t.mu.Lock()
	defer t.mu.Unlock()
	var views []HostView
	for _, host := range t.hosts {
		if host.Ancestry == nil && host.MostRecentCycle+recentCycles >= t.cycle {
			views = append(views, viewOf(host))
		}
	}
	return views
}

// HostCounts reports (tracked, shaped) host totals.
func (t *Tracker) HostCounts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	shaped := 0
	for _, host := range t.hosts {
		if host.Shaped() {
			shaped++
		}
	}
	return len(t.hosts), shaped
}

// RttHistogram buckets host median RTTs into n equal 10 ms-wide bins.
// The counts sum to the number of hosts with RTT samples this window.
func (t *Tracker) RttHistogram(n int) []uint32 {
	counts := make([]uint32, n)
	if n == 0 {
		return counts
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, host := range t.hosts {
		median, ok := host.MedianRttTenthMs()
		if !ok {
			continue
		}
		bucket := int(median) / 100 // 0.1 ms units → 10 ms bins
		if bucket >= n {
			bucket = n - 1
		}
		counts[bucket]++
	}
	return counts
}

// NodeThroughput is one tree node's live per-tick view.
type NodeThroughput struct {
	Index       int
	Name        string
	NodeType    string
	Parent      int
	MaxMbps     DownUp
	Bits        DownUp
	Packets     DownUp
	Marks       DownUp
	Drops       DownUp
	Retransmits DownUp
	MedianRttMs float32
}

// NetworkTree projects the live tree state for queries and channels.
func (t *Tracker) NetworkTree() []NodeThroughput {
	m := t.store.Snapshot()
	if m == nil {
		return nil
	}
	out := make([]NodeThroughput, len(m.Nodes))
	for idx, node := range m.Nodes {
		median, _ := node.Live.MedianRttMs()
		out[idx] = NodeThroughput{
			Index:    idx,
			Name:     node.Name,
			NodeType: node.NodeType,
			Parent:   node.Parent,
			MaxMbps:  DownUp{Down: node.DownloadMaxMbps, Up: node.UploadMaxMbps},
			Bits: DownUp{
				Down: node.Live.BytesDown.Load() * 8,
				Up:   node.Live.BytesUp.Load() * 8,
			},
			Packets: DownUp{
				Down: node.Live.PacketsDown.Load(),
				Up:   node.Live.PacketsUp.Load(),
			},
			Marks: DownUp{
				Down: node.Live.MarksDown.Load(),
				Up:   node.Live.MarksUp.Load(),
			},
			Drops: DownUp{
				Down: node.Live.DropsDown.Load(),
				Up:   node.Live.DropsUp.Load(),
			},
			Retransmits: DownUp{
				Down: node.Live.RetransDown.Load(),
				Up:   node.Live.RetransUp.Load(),
			},
			MedianRttMs: median,
		}
	}
	return out
}
