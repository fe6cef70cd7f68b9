// Package facade composes the trackers, the model, and the Bakery into
// the query and control surface served over the bus and the WebSocket.
package facade

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/openshaper/shaperd/pkg/bakery"
	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/flows"
	"github.com/openshaper/shaperd/pkg/heatmap"
	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/model"
	"github.com/openshaper/shaperd/pkg/queuestats"
	"github.com/openshaper/shaperd/pkg/tc"
	"github.com/openshaper/shaperd/pkg/throughput"
)

// Facade wires the subsystems together.
type Facade struct {
	Cfg        *config.Config
	Store      *model.Store
	Tracker    *throughput.Tracker
	Flows      *flows.Tracker
	Bakery     *bakery.Bakery
	QueueStats *queuestats.Reader
	Heatmaps   *heatmap.Store
}

// ThroughputSummary is the system-wide live view.
type ThroughputSummary struct {
	BitsPerSecond       throughput.DownUp `cbor:"bits_per_second"`
	ShapedBitsPerSecond throughput.DownUp `cbor:"shaped_bits_per_second"`
	PacketsPerSecond    throughput.DownUp `cbor:"packets_per_second"`
	TcpPacketsPerSecond throughput.DownUp `cbor:"tcp_packets_per_second"`
	UdpPacketsPerSecond throughput.DownUp `cbor:"udp_packets_per_second"`
	IcmpPacketsPerSecond throughput.DownUp `cbor:"icmp_packets_per_second"`
	ActiveFlows         int               `cbor:"active_flows"`
	TrackedHosts        int               `cbor:"tracked_hosts"`
	ShapedHosts         int               `cbor:"shaped_hosts"`
}

// CurrentThroughput returns the system-wide live counters.
func (f *Facade) CurrentThroughput() ThroughputSummary {
	totals := f.Tracker.Totals()
	tracked, shaped := f.Tracker.HostCounts()
	return ThroughputSummary{
		BitsPerSecond:        totals.Bits,
		ShapedBitsPerSecond:  totals.ShapedBits,
		PacketsPerSecond:     totals.Packets,
		TcpPacketsPerSecond:  totals.Tcp,
		UdpPacketsPerSecond:  totals.Udp,
		IcmpPacketsPerSecond: totals.Icmp,
		ActiveFlows:          f.Flows.CountActive(),
		TrackedHosts:         tracked,
		ShapedHosts:          shaped,
	}
}

// CircuitView is a circuit's provisioning record for listings.
type CircuitView struct {
	CircuitID   string  `cbor:"circuit_id"`
	CircuitName string  `cbor:"circuit_name"`
	ParentNode  string  `cbor:"parent_node"`
	DownloadMin float32 `cbor:"download_min"`
	UploadMin   float32 `cbor:"upload_min"`
	DownloadMax float32 `cbor:"download_max"`
	UploadMax   float32 `cbor:"upload_max"`
	Devices     int     `cbor:"devices"`
}

// GetAllCircuits lists every provisioned circuit.
func (f *Facade) GetAllCircuits() []CircuitView {
	m := f.Store.Snapshot()
	if m == nil {
		return nil
	}
	out := make([]CircuitView, 0, len(m.Circuits))
	for _, c := range m.Circuits {
		out = append(out, CircuitView{
			CircuitID:   c.ID,
			CircuitName: c.Name,
			ParentNode:  m.Nodes[c.ParentNodeIdx].Name,
			DownloadMin: c.DownloadMinMbps,
			UploadMin:   c.UploadMinMbps,
			DownloadMax: c.DownloadMaxMbps,
			UploadMax:   c.UploadMaxMbps,
			Devices:     len(c.Devices),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CircuitID < out[j].CircuitID })
	return out
}

// GetFullNetworkMap projects the entire live tree.
func (f *Facade) GetFullNetworkMap() []throughput.NodeThroughput {
	return f.Tracker.NetworkTree()
}

// GetOneNetworkMapLayer returns a node and its immediate children.
func (f *Facade) GetOneNetworkMapLayer(idx int) []throughput.NodeThroughput {
	tree := f.Tracker.NetworkTree()
	if idx < 0 || idx >= len(tree) {
		return nil
	}
	out := []throughput.NodeThroughput{tree[idx]}
	for _, node := range tree {
		if node.Parent == idx && node.Index != idx {
			out = append(out, node)
		}
	}
	return out
}

// MapNodeNames resolves node indices to display names.
func (f *Facade) MapNodeNames(indices []int) map[int]string {
	m := f.Store.Snapshot()
	out := make(map[int]string, len(indices))
	if m == nil {
		return out
	}
	for _, idx := range indices {
		if idx >= 0 && idx < len(m.Nodes) {
			out[idx] = m.Nodes[idx].Name
		}
	}
	return out
}

// GetFunnel returns the live state of every node on a circuit's path
// to the root, nearest first.
func (f *Facade) GetFunnel(circuitID string) ([]throughput.NodeThroughput, error) {
	m := f.Store.Snapshot()
	if m == nil {
		return nil, fmt.Errorf("no model loaded")
	}
	circuit, ok := m.CircuitByID(circuitID)
	if !ok {
		return nil, fmt.Errorf("unknown circuit %q", circuitID)
	}
	tree := f.Tracker.NetworkTree()
	var out []throughput.NodeThroughput
	for _, idx := range m.Nodes[circuit.ParentNodeIdx].Ancestors {
		if idx < len(tree) {
			out = append(out, tree[idx])
		}
	}
	return out, nil
}

// GetTopNRootQueues keeps the n busiest root children by combined
// throughput and folds the remainder into a synthesized "Others" row.
// When n covers every child there is no Others row.
func (f *Facade) GetTopNRootQueues(n int) []throughput.NodeThroughput {
	tree := f.Tracker.NetworkTree()
	var children []throughput.NodeThroughput
	for _, node := range tree {
		if node.Parent == 0 && node.Index != 0 {
			children = append(children, node)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Bits.Sum() > children[j].Bits.Sum()
	})
	if len(children) <= n {
		return children
	}
	top := children[:n]
	others := throughput.NodeThroughput{Index: -1, Name: "Others", NodeType: "others"}
	for _, node := range children[n:] {
		others.Bits.Add(node.Bits)
		others.Packets.Add(node.Packets)
		others.Marks.Add(node.Marks)
		others.Drops.Add(node.Drops)
		others.Retransmits.Add(node.Retransmits)
	}
	return append(append([]throughput.NodeThroughput{}, top...), others)
}

// Reload loads a fresh model, publishes it, and emits a new batch to
// the Bakery. On failure the previous model remains in effect.
func (f *Facade) Reload() error {
	m, err := model.Load(f.Cfg)
	if err != nil {
		log.Logger.Error().Err(err).Msg("model reload failed, keeping previous model")
		return err
	}
	f.Store.Publish(m)

	batch := bakery.BatchFromModel(m, f.Cfg)
	f.installQueueAttribution(batch)
	for _, cmd := range batch {
		f.Bakery.Send(cmd)
	}
	log.Logger.Info().
		Int("nodes", len(m.Nodes)).
		Int("circuits", len(m.Circuits)).
		Int("devices", len(m.Devices)).
		Msg("model reloaded")
	return nil
}

// installQueueAttribution rebuilds the queue-stats handle→circuit maps
// from a freshly emitted batch.
func (f *Facade) installQueueAttribution(batch []bakery.Command) {
	if f.QueueStats == nil {
		return
	}
	down := make(map[tc.Handle]int64)
	up := make(map[tc.Handle]int64)
	for _, cmd := range batch {
		if circuit, ok := cmd.(bakery.AddCircuit); ok {
			down[tc.NewHandle(circuit.ClassMajor, circuit.ClassMinor)] = circuit.CircuitHash
			up[tc.NewHandle(circuit.UpClassMajor, circuit.ClassMinor)] = circuit.CircuitHash
		}
	}
	f.QueueStats.SetCircuitHandles(down, up)
}

// ChangeSiteSpeedLive forwards a live retune to the Bakery.
func (f *Facade) ChangeSiteSpeedLive(siteHash int64, downMin, upMin, downMax, upMax float32) {
	f.Bakery.Send(bakery.ChangeSiteSpeedLive{
		SiteHash:    siteHash,
		DownloadMin: downMin,
		UploadMin:   upMin,
		DownloadMax: downMax,
		UploadMax:   upMax,
	})
}

// SearchResult is one hit from the free-text entity search.
type SearchResult struct {
	Kind string `cbor:"kind"`
	Name string `cbor:"name"`
	ID   string `cbor:"id"`
}

// Search matches circuits, devices, and sites by substring.
func (f *Facade) Search(term string) []SearchResult {
	m := f.Store.Snapshot()
	if m == nil || term == "" {
		return nil
	}
	var out []SearchResult
	contains := func(s string) bool { return containsFold(s, term) }
	for _, c := range m.Circuits {
		if contains(c.ID) || contains(c.Name) {
			out = append(out, SearchResult{Kind: "circuit", Name: c.Name, ID: c.ID})
		}
	}
	for i := range m.Devices {
		d := &m.Devices[i]
		if contains(d.DeviceID) || contains(d.DeviceName) || contains(d.Mac) {
			out = append(out, SearchResult{Kind: "device", Name: d.DeviceName, ID: d.DeviceID})
		}
	}
	for idx, node := range m.Nodes {
		if idx > 0 && contains(node.Name) {
			out = append(out, SearchResult{Kind: "site", Name: node.Name, ID: node.Name})
		}
	}
	return out
}

// FlowsByIP parses and forwards an address query.
func (f *Facade) FlowsByIP(ip string) ([]flows.FlowSnapshot, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %v", ip, err)
	}
	return f.Flows.FlowsByIP(addr), nil
}
