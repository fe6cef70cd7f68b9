package queuestats

import (
	"fmt"
	"testing"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/tc"
)

const sampleQdiscJSON = `[
  {"kind": "mq", "handle": "7fff:", "root": true},
  {"kind": "htb", "handle": "1:", "parent": "7fff:1", "bytes": 12345, "packets": 50},
  {"kind": "cake", "handle": "8001:", "parent": "1:4",
   "bytes": %d, "packets": %d, "drops": %d,
   "tins": [
     {"ecn_mark": %d, "sent_bytes": 1000},
     {"ecn_mark": %d, "sent_bytes": 2000}
   ]}
]`

func testReaderConfig() *config.Config {
	cfg := config.Default()
	cfg.Bridge.ToInternet = "eth0"
	cfg.Bridge.ToNetwork = "eth1"
	return cfg
}

func TestPollAttributesCircuitStats(t *testing.T) {
	cfg := testReaderConfig()
	reader := NewReader(cfg)

	circuitHandle := tc.NewHandle(1, 4)
	reader.SetCircuitHandles(
		map[tc.Handle]int64{circuitHandle: 42},
		map[tc.Handle]int64{},
	)

	reader.ExecFunc = func(iface string) ([]byte, error) {
		if iface != "eth1" {
			return []byte("[]"), nil
		}
		return []byte(fmt.Sprintf(sampleQdiscJSON, 50000, 400, 7, 3, 2)), nil
	}
	reader.Poll()

	summary := reader.Summary()
	delta, ok := summary.Circuits[42]
	if !ok {
		t.Fatalf("circuit 42 missing from summary: %+v", summary.Circuits)
	}
	// First poll establishes the baseline delta from zero.
	if delta.DownBytes != 50000 || delta.DownPackets != 400 {
		t.Fatalf("down delta = %+v", delta)
	}
	if delta.DownDrops != 7 {
		t.Fatalf("drops = %d, want 7", delta.DownDrops)
	}
	if delta.DownMarks != 5 {
		t.Fatalf("marks must sum tins: %d, want 5", delta.DownMarks)
	}

	// Second poll yields only the growth.
	reader.ExecFunc = func(iface string) ([]byte, error) {
		if iface != "eth1" {
			return []byte("[]"), nil
		}
		return []byte(fmt.Sprintf(sampleQdiscJSON, 80000, 700, 9, 4, 3)), nil
	}
	reader.Poll()
	delta = reader.Summary().Circuits[42]
	if delta.DownBytes != 30000 || delta.DownDrops != 2 || delta.DownMarks != 2 {
		t.Fatalf("second poll delta = %+v", delta)
	}
}

func TestPollTotalFailureEmptiesSummary(t *testing.T) {
	cfg := testReaderConfig()
	reader := NewReader(cfg)
	reader.SetCircuitHandles(
		map[tc.Handle]int64{tc.NewHandle(1, 4): 42},
		map[tc.Handle]int64{tc.NewHandle(5, 4): 42},
	)
	reader.ExecFunc = func(iface string) ([]byte, error) {
		return nil, fmt.Errorf("tc unavailable")
	}
	reader.Poll()
	if len(reader.Summary().Circuits) != 0 {
		t.Fatal("total failure must publish an empty summary")
	}
}

func TestParseSkipsMalformedRecords(t *testing.T) {
	raw := []byte(`[
	  {"kind": "cake", "parent": "not-a-handle", "bytes": 1},
	  {"kind": "cake", "parent": "1:4", "bytes": 9}
	]`)
	records, err := parseQdiscJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 || records[0].bytes != 9 {
		t.Fatalf("expected the malformed record skipped, got %+v", records)
	}
}
