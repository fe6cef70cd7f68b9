package flows

import (
	"net/netip"
	"testing"

	"github.com/openshaper/shaperd/pkg/datapath"
)

const second = uint64(1_000_000_000)

func testKey() datapath.FlowKey {
	return datapath.FlowKey{
		LocalIP:    netip.MustParseAddr("10.0.0.1"),
		RemoteIP:   netip.MustParseAddr("203.0.113.9"),
		SrcPort:    51000,
		DstPort:    443,
		IpProtocol: 6,
	}
}

func record(lastSeen uint64, retransUp uint16) datapath.FlowRecord {
	return datapath.FlowRecord{
		StartNanos:     0,
		LastSeenNanos:  lastSeen,
		BytesSent:      [2]uint64{1000, 50000},
		PacketsSent:    [2]uint64{10, 40},
		TcpRetransmits: [2]uint16{retransUp, 0},
	}
}

func TestRetransmitRingAndExpiry(t *testing.T) {
	tracker := NewTracker(nil, 30, 16)
	dp := datapath.NewMemDatapath()
	key := testKey()

	// t=0: new flow, no retransmits.
	dp.PushFlow(key, record(0, 0))
	tracker.Tick(dp, 0)
	if tracker.CountActive() != 1 {
		t.Fatalf("expected 1 active flow, got %d", tracker.CountActive())
	}

	// t=1s: retransmits grew to 3; exactly one ring entry appears.
	dp.PushFlow(key, record(1*second, 3))
	tracker.Tick(dp, 1*second)

	tracker.mu.Lock()
	flow := tracker.flows[key]
	upRing := flow.RetryTimes[datapath.ToInternet].Times()
	downRing := flow.RetryTimes[datapath.ToLocal].Times()
	tracker.mu.Unlock()
	if len(upRing) != 1 || upRing[0] != 1*second {
		t.Fatalf("up retry ring = %v, want one entry at t=1s", upRing)
	}
	if len(downRing) != 0 {
		t.Fatalf("down retry ring should be empty, got %v", downRing)
	}

	// t=31s: no update since t=1s; the flow expires, is exported, and
	// its key is handed to the datapath for garbage collection.
	tracker.Tick(dp, 31*second)
	if tracker.CountActive() != 0 {
		t.Fatal("flow should have expired")
	}
	select {
	case exported := <-tracker.ExportChannel():
		if exported.Key != key {
			t.Fatal("wrong flow exported")
		}
		if exported.Record.EndStatus != EndExported {
			t.Fatalf("exported flow end status = %d, want %d", exported.Record.EndStatus, EndExported)
		}
	default:
		t.Fatal("expired flow was not exported")
	}
	if len(dp.ExpiredFlows) != 1 || dp.ExpiredFlows[0] != key {
		t.Fatalf("kernel flow key not expired: %v", dp.ExpiredFlows)
	}
}

func TestTimeoutBoundary(t *testing.T) {
	tracker := NewTracker(nil, 30, 16)
	dp := datapath.NewMemDatapath()
	key := testKey()

	// An observation arriving exactly at the timeout boundary is
	// applied and survives this tick.
	dp.PushFlow(key, record(0, 0))
	tracker.Tick(dp, 30*second)
	if tracker.CountActive() != 1 {
		t.Fatal("flow observed exactly at the timeout must not expire yet")
	}
	// It expires on the next tick, not before.
	tracker.Tick(dp, 31*second)
	if tracker.CountActive() != 0 {
		t.Fatal("flow must expire on the tick after the boundary")
	}
}

func TestTerminatedFlowExports(t *testing.T) {
	tracker := NewTracker(nil, 30, 16)
	dp := datapath.NewMemDatapath()
	key := testKey()

	rec := record(1*second, 0)
	rec.EndStatus = 1 // FIN observed
	dp.PushFlow(key, rec)
	tracker.Tick(dp, 1*second)
	if tracker.CountActive() != 0 {
		t.Fatal("terminated flow should leave the active set")
	}
	select {
	case <-tracker.ExportChannel():
	default:
		t.Fatal("terminated flow was not exported")
	}
}

func TestAlreadyExportedEventsIgnored(t *testing.T) {
	tracker := NewTracker(nil, 30, 16)
	dp := datapath.NewMemDatapath()
	rec := record(1*second, 0)
	rec.EndStatus = EndExported
	dp.PushFlow(testKey(), rec)
	tracker.Tick(dp, 1*second)
	if tracker.CountActive() != 0 {
		t.Fatal("end_status=3 events must be ignored")
	}
	select {
	case <-tracker.ExportChannel():
		t.Fatal("ignored event must not export")
	default:
	}
}

func TestFlowMonotonicCountersAndRtt(t *testing.T) {
	tracker := NewTracker(nil, 30, 16)
	dp := datapath.NewMemDatapath()
	key := testKey()

	first := record(1*second, 0)
	first.RttNanos = [2]uint64{5 * nsPerMs, 7 * nsPerMs}
	dp.PushFlow(key, first)
	agg := tracker.Tick(dp, 1*second)

	hostAgg := agg[key.LocalIP]
	if hostAgg == nil || len(hostAgg.RttSamples) != 2 {
		t.Fatalf("expected both direction RTT samples folded, got %+v", hostAgg)
	}
	// 5 ms and 7 ms in 0.1 ms units.
	if hostAgg.RttSamples[0] != 50 || hostAgg.RttSamples[1] != 70 {
		t.Fatalf("rtt samples = %v, want [50 70]", hostAgg.RttSamples)
	}

	update := record(2*second, 0)
	update.BytesSent = [2]uint64{2000, 90000}
	dp.PushFlow(key, update)
	tracker.Tick(dp, 2*second)

	tracker.mu.Lock()
	flow := tracker.flows[key]
	tracker.mu.Unlock()
	if flow.Record.BytesSent[0] != 2000 || flow.Record.BytesSent[1] != 90000 {
		t.Fatal("cumulative counters not updated")
	}
	if flow.Enrichment.ProtocolName != "HTTPS" {
		t.Fatalf("protocol name = %q, want HTTPS", flow.Enrichment.ProtocolName)
	}
}

func TestRemoteEnrichmentCached(t *testing.T) {
	resolver := NewResolver(nil)
	key := testKey()
	key.RemoteIP = netip.MustParseAddr("192.168.1.50")
	e := resolver.Resolve(key)
	if e.AsnName != "Private" {
		t.Fatalf("private remote should classify as Private, got %q", e.AsnName)
	}
	again := resolver.Resolve(key)
	if again.AsnName != e.AsnName {
		t.Fatal("cached resolution differs")
	}
}
