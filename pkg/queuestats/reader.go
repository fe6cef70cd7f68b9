// Package queuestats reads back CAKE/HTB statistics from the kernel
// and attributes marks and drops to circuits. The "internet" side
// qdiscs serve upload, the "ISP" side serves download; in
// single-interface mode the offset queue majors disambiguate.
package queuestats

import (
	"encoding/json"
	"os/exec"
	"sync/atomic"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/tc"
)

// CircuitDelta is one circuit's queue activity since the previous poll.
type CircuitDelta struct {
	DownBytes   uint64
	UpBytes     uint64
	DownPackets uint64
	UpPackets   uint64
	DownDrops   uint64
	UpDrops     uint64
	DownMarks   uint64
	UpMarks     uint64
}

// Summary is the all-queues view the throughput tracker folds in; it
// is replaced wholesale each poll (swap-on-write).
type Summary struct {
	Circuits map[int64]CircuitDelta
}

type rawTotals struct {
	bytes   uint64
	packets uint64
	drops   uint64
	marks   uint64
}

// Reader polls qdisc statistics and maintains per-circuit deltas.
type Reader struct {
	cfg *config.Config

	// ExecFunc is injectable for tests; the default runs
	// `tc -s -j qdisc show dev <iface>`.
	ExecFunc func(iface string) ([]byte, error)

	downHandles atomic.Pointer[map[tc.Handle]int64]
	upHandles   atomic.Pointer[map[tc.Handle]int64]

	prevDown map[int64]rawTotals
	prevUp   map[int64]rawTotals

	summary atomic.Pointer[Summary]
}

// NewReader builds a reader for the configured interfaces.
func NewReader(cfg *config.Config) *Reader {
	r := &Reader{
		cfg: cfg,
		ExecFunc: func(iface string) ([]byte, error) {
			return exec.Command("tc", "-s", "-j", "qdisc", "show", "dev", iface).Output()
		},
		prevDown: make(map[int64]rawTotals),
		prevUp:   make(map[int64]rawTotals),
	}
	empty := &Summary{Circuits: map[int64]CircuitDelta{}}
	r.summary.Store(empty)
	return r
}

// SetCircuitHandles installs the handle→circuit attribution maps,
// rebuilt from each committed batch.
func (r *Reader) SetCircuitHandles(down, up map[tc.Handle]int64) {
	r.downHandles.Store(&down)
	r.upHandles.Store(&up)
}

// Summary returns the latest all-queues view.
func (r *Reader) Summary() *Summary { return r.summary.Load() }

// Poll reads both interfaces and publishes a fresh summary. A total
// read failure publishes an empty summary for this tick.
func (r *Reader) Poll() {
	circuits := make(map[int64]CircuitDelta)

	downOK := r.pollSide(r.cfg.IspInterface(), r.downHandles.Load(), r.prevDown, circuits, false)
	upOK := r.pollSide(r.cfg.InternetInterface(), r.upHandles.Load(), r.prevUp, circuits, true)
	if !downOK && !upOK {
		r.summary.Store(&Summary{Circuits: map[int64]CircuitDelta{}})
		return
	}
	r.summary.Store(&Summary{Circuits: circuits})
}

func (r *Reader) pollSide(iface string, handles *map[tc.Handle]int64, prev map[int64]rawTotals, circuits map[int64]CircuitDelta, up bool) bool {
	if handles == nil || len(*handles) == 0 {
		return true
	}
	raw, err := r.ExecFunc(iface)
	if err != nil {
		log.Logger.Warn().Str("iface", iface).Err(err).Msg("qdisc stats read failed")
		return false
	}
	records, err := parseQdiscJSON(raw)
	if err != nil {
		log.Logger.Warn().Str("iface", iface).Err(err).Msg("qdisc stats parse failed")
		return false
	}

	for _, record := range records {
		circuitHash, ok := (*handles)[record.parent]
		if !ok {
			continue
		}
		totals := rawTotals{
			bytes:   record.bytes,
			packets: record.packets,
			drops:   record.drops,
			marks:   record.marks,
		}
		last := prev[circuitHash]
		prev[circuitHash] = totals

		delta := circuits[circuitHash]
		if up {
			delta.UpBytes += satSub(totals.bytes, last.bytes)
			delta.UpPackets += satSub(totals.packets, last.packets)
			delta.UpDrops += satSub(totals.drops, last.drops)
			delta.UpMarks += satSub(totals.marks, last.marks)
		} else {
			delta.DownBytes += satSub(totals.bytes, last.bytes)
			delta.DownPackets += satSub(totals.packets, last.packets)
			delta.DownDrops += satSub(totals.drops, last.drops)
			delta.DownMarks += satSub(totals.marks, last.marks)
		}
		circuits[circuitHash] = delta
	}
	return true
}

type qdiscRecord struct {
	parent  tc.Handle
	bytes   uint64
	packets uint64
	drops   uint64
	marks   uint64
}

// parseQdiscJSON extracts the fields we attribute from `tc -s -j qdisc`
// output. A malformed record is skipped; the caller keeps the rest.
func parseQdiscJSON(raw []byte) ([]qdiscRecord, error) {
	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, err
	}
	var out []qdiscRecord
	for _, obj := range arr {
		parentStr, _ := obj["parent"].(string)
		if parentStr == "" {
			continue // root qdiscs carry no parent
		}
		parent, err := tc.ParseHandle(parentStr)
		if err != nil {
			log.Logger.Debug().Str("parent", parentStr).Msg("skipping qdisc record with unparseable parent")
			continue
		}
		record := qdiscRecord{
			parent:  parent,
			bytes:   getUint(obj, "bytes"),
			packets: getUint(obj, "packets"),
			drops:   getUint(obj, "drops"),
		}
		if tins, ok := obj["tins"].([]any); ok {
			for _, tin := range tins {
				if m, ok := tin.(map[string]any); ok {
					record.marks += getUint(m, "ecn_mark")
				}
			}
		}
		out = append(out, record)
	}
	return out, nil
}

func getUint(m map[string]any, key string) uint64 {
	if v, ok := m[key].(float64); ok && v > 0 {
		return uint64(v)
	}
	return 0
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
