package throughput

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/datapath"
	"github.com/openshaper/shaperd/pkg/flows"
	"github.com/openshaper/shaperd/pkg/model"
)

const second = uint64(1_000_000_000)

const testNetwork = `{
  "Site A": {
    "downloadBandwidthMbps": 1000,
    "uploadBandwidthMbps": 200,
    "type": "site",
    "children": {
      "AP 1": {"downloadBandwidthMbps": 500, "uploadBandwidthMbps": 100, "type": "ap"}
    }
  }
}`

const testDevices = "Circuit ID,Circuit Name,Device ID,Device Name,Parent Node,MAC,IPv4,IPv6,Download Min Mbps,Upload Min Mbps,Download Max Mbps,Upload Max Mbps,Comment,sqm\n" +
	"c1,Customer One,d1,CPE One,AP 1,,10.0.0.1,,50,10,100,20,,\n" +
	"c2,Customer Two,d2,CPE Two,Site A,,10.0.0.2,,50,10,100,20,,\n"

func testStore(t *testing.T) (*model.Store, *model.Model) {
	t.Helper()
	dir := t.TempDir()
	networkPath := filepath.Join(dir, "network.json")
	devicesPath := filepath.Join(dir, "ShapedDevices.csv")
	if err := os.WriteFile(networkPath, []byte(testNetwork), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(devicesPath, []byte(testDevices), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.NetworkJsonPath = networkPath
	cfg.ShapedDevicesPath = devicesPath
	m, err := model.Load(cfg)
	if err != nil {
		t.Fatalf("model load: %v", err)
	}
	store := &model.Store{}
	store.Publish(m)
	return store, m
}

func counters(downBytes, upBytes uint64, handle uint32, lastSeen uint64) []datapath.HostCounter {
	return []datapath.HostCounter{{
		DownloadBytes:   downBytes,
		UploadBytes:     upBytes,
		DownloadPackets: downBytes / 1500,
		UploadPackets:   upBytes / 1500,
		TcpDown:         downBytes / 1500,
		TcpUp:           upBytes / 1500,
		TcHandle:        handle,
		LastSeenNanos:   lastSeen,
	}}
}

func TestTopNWithUnknownTraffic(t *testing.T) {
	store, _ := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()

	// 10.0.0.1 and 10.0.0.2 are in the model; 10.0.0.3 is not.
	dp.SetHostCounters(netip.MustParseAddr("10.0.0.1"), counters(625_000, 100_000, 0x10003, second))
	dp.SetHostCounters(netip.MustParseAddr("10.0.0.2"), counters(6_250_000, 100_000, 0x10004, second))
	dp.SetHostCounters(netip.MustParseAddr("10.0.0.3"), counters(125_000, 10_000, 0, second))

	// First tick establishes cumulative baselines; the second rolls
	// them into per-second rates.
	tracker.Tick(dp, nil, nil, 1*second)
	tracker.Tick(dp, nil, nil, 2*second)

	top := tracker.TopN(0, 2)
	if len(top) != 2 {
		t.Fatalf("top_n(0,2) returned %d hosts", len(top))
	}
	if top[0].IP != "10.0.0.2" || top[1].IP != "10.0.0.1" {
		t.Fatalf("top order wrong: %s, %s", top[0].IP, top[1].IP)
	}
	if top[0].CircuitID != "c2" {
		t.Fatalf("top host circuit = %q, want c2", top[0].CircuitID)
	}

	unknown := tracker.AllUnknownIPs()
	if len(unknown) != 1 || unknown[0].IP != "10.0.0.3" {
		t.Fatalf("all_unknown_ips = %+v, want exactly 10.0.0.3", unknown)
	}
	if unknown[0].TcHandle != 0 {
		t.Fatal("unknown host should be unshaped")
	}
}

func TestAncestryAccounting(t *testing.T) {
	store, m := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()

	dp.SetHostCounters(netip.MustParseAddr("10.0.0.1"), counters(10_000, 2_000, 1, second))
	tracker.Tick(dp, nil, nil, 1*second)

	apIdx, _ := m.NodeIndex("AP 1")
	siteIdx, _ := m.NodeIndex("Site A")
	for _, idx := range []int{apIdx, siteIdx, 0} {
		node := m.Nodes[idx]
		if got := node.Live.BytesDown.Load(); got != 10_000 {
			t.Fatalf("node %q down bytes = %d, want 10000", node.Name, got)
		}
		if got := node.Live.BytesUp.Load(); got != 2_000 {
			t.Fatalf("node %q up bytes = %d, want 2000", node.Name, got)
		}
	}
}

func TestTickIdempotentForZeroInput(t *testing.T) {
	store, m := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()

	dp.SetHostCounters(netip.MustParseAddr("10.0.0.1"), counters(10_000, 2_000, 1, second))
	tracker.Tick(dp, nil, nil, 1*second)
	tracker.Tick(dp, nil, nil, 2*second)

	// Third tick: the counters have not moved.
	tracker.Tick(dp, nil, nil, 3*second)

	tracker.mu.Lock()
	host := tracker.hosts[netip.MustParseAddr("10.0.0.1")]
	tracker.mu.Unlock()
	if host.Bytes.Down != 10_000 || host.Bytes.Up != 2_000 {
		t.Fatal("cumulative counters must be unchanged")
	}
	if host.BytesPerSecond.Down != 0 || host.BytesPerSecond.Up != 0 {
		t.Fatalf("bytes_per_second must be zero, got %+v", host.BytesPerSecond)
	}
	for _, node := range m.Nodes {
		if node.Live.BytesDown.Load() != 0 || node.Live.BytesUp.Load() != 0 {
			t.Fatalf("node %q per-tick counters not zeroed", node.Name)
		}
	}
}

func TestRttMedianFoldIn(t *testing.T) {
	store, m := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()
	ip := netip.MustParseAddr("10.0.0.1")

	dp.SetHostCounters(ip, counters(1_000_000, 100_000, 1, second))
	tracker.Tick(dp, nil, nil, 1*second)

	// Samples 5, 5, 6, 7, 20 ms; the median 6 ms lands in ring slot 0
	// and in each ancestor's multiset.
	tracker.ApplyFlowData(map[netip.Addr]*flows.HostAggregate{
		ip: {RttSamples: []uint16{50, 50, 60, 70, 200}},
	})

	tracker.mu.Lock()
	host := tracker.hosts[ip]
	tracker.mu.Unlock()
	if host.RttRing[0] != 60 {
		t.Fatalf("ring slot 0 = %d, want 60 (6 ms)", host.RttRing[0])
	}
	if host.MedianRttMs() != 6 {
		t.Fatalf("median = %v ms, want 6", host.MedianRttMs())
	}

	apIdx, _ := m.NodeIndex("AP 1")
	median, ok := m.Nodes[apIdx].Live.MedianRttMs()
	if !ok || median != 6 {
		t.Fatalf("ancestor rtt median = %v (ok=%v), want 6 ms", median, ok)
	}
}

func TestRetransmitDeltaFoldIn(t *testing.T) {
	store, m := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()
	ip := netip.MustParseAddr("10.0.0.1")

	dp.SetHostCounters(ip, counters(1_000, 100, 1, second))
	tracker.Tick(dp, nil, nil, 1*second)
	tracker.ApplyFlowData(map[netip.Addr]*flows.HostAggregate{
		ip: {RetransmitsDown: 3, RetransmitsUp: 1},
	})

	tracker.mu.Lock()
	host := tracker.hosts[ip]
	tracker.mu.Unlock()
	if host.RetransmitsPerTick.Down != 3 || host.RetransmitsPerTick.Up != 1 {
		t.Fatalf("retransmit delta = %+v", host.RetransmitsPerTick)
	}
	apIdx, _ := m.NodeIndex("AP 1")
	if m.Nodes[apIdx].Live.RetransDown.Load() != 3 {
		t.Fatal("ancestor did not receive the retransmit delta")
	}

	// Next tick with no growth: delta goes back to zero.
	tracker.Tick(dp, nil, nil, 2*second)
	tracker.ApplyFlowData(map[netip.Addr]*flows.HostAggregate{
		ip: {RetransmitsDown: 3, RetransmitsUp: 1},
	})
	tracker.mu.Lock()
	host = tracker.hosts[ip]
	tracker.mu.Unlock()
	if host.RetransmitsPerTick.Down != 0 {
		t.Fatalf("unchanged totals must yield zero delta, got %+v", host.RetransmitsPerTick)
	}
}

func TestHostRetirement(t *testing.T) {
	store, _ := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()
	ip := netip.MustParseAddr("10.0.0.1")

	dp.SetHostCounters(ip, counters(1_000, 100, 1, 1*second))
	tracker.Tick(dp, nil, nil, 1*second)

	// Remove from the kernel view and advance past five minutes.
	dp.ExpireHosts([]netip.Addr{ip})
	dp.ExpiredHosts = nil
	tracker.Tick(dp, nil, nil, 302*second)

	tracked, _ := tracker.HostCounts()
	if tracked != 0 {
		t.Fatalf("host should have retired, still tracking %d", tracked)
	}
	if len(dp.ExpiredHosts) != 1 || dp.ExpiredHosts[0] != ip {
		t.Fatalf("retired host key not expired kernel-side: %v", dp.ExpiredHosts)
	}
}

func TestRttHistogramQuery(t *testing.T) {
	store, _ := testStore(t)
	tracker := NewTracker(store)
	dp := datapath.NewMemDatapath()
	ips := []string{"10.0.0.1", "10.0.0.2"}
	for i, s := range ips {
		ip := netip.MustParseAddr(s)
		dp.SetHostCounters(ip, counters(uint64(1000*(i+1)), 100, 1, second))
	}
	tracker.Tick(dp, nil, nil, 1*second)
	tracker.ApplyFlowData(map[netip.Addr]*flows.HostAggregate{
		netip.MustParseAddr("10.0.0.1"): {RttSamples: []uint16{50}},   // 5 ms → bucket 0
		netip.MustParseAddr("10.0.0.2"): {RttSamples: []uint16{250}},  // 25 ms → bucket 2
	})

	histogram := tracker.RttHistogram(20)
	if len(histogram) != 20 {
		t.Fatalf("histogram length = %d, want 20", len(histogram))
	}
	var sum uint32
	for _, count := range histogram {
		sum += count
	}
	if sum != 2 {
		t.Fatalf("histogram sum = %d, want 2 (hosts with samples)", sum)
	}
	if histogram[0] != 1 || histogram[2] != 1 {
		t.Fatalf("histogram buckets wrong: %v", histogram)
	}
}
