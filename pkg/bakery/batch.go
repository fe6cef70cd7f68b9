package bakery

import (
	"runtime"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/model"
	"github.com/openshaper/shaperd/pkg/tc"
)

// QueuesAvailable returns the number of per-hardware-queue HTB trees to
// build: the configured override, or one per CPU.
func QueuesAvailable(cfg *config.Config) int {
	if cfg.Queues.OverrideAvailableQueues > 0 {
		return cfg.Queues.OverrideAvailableQueues
	}
	return runtime.NumCPU()
}

// classPlan records where a tree node landed in the class numbering.
type classPlan struct {
	major   uint16
	upMajor uint16
	minor   uint16
}

// BatchFromModel is the canonical serialization of a loaded model
// toward the Bakery: one StartBatch, one MqSetup, AddSite per interior
// node, AddCircuit per circuit, and a CommitBatch.
//
// Class numbering is deterministic for a given model: top-level tree
// nodes are spread round-robin across the available queues, descendants
// inherit their top-level ancestor's major, and minors are allocated
// sequentially per major starting at 3 (1 is the queue root, 2 the
// default class).
func BatchFromModel(m *model.Model, cfg *config.Config) []Command {
	queues := QueuesAvailable(cfg)
	stickOffset := 0
	if cfg.OnAStick() {
		stickOffset = queues
	}

	batch := []Command{
		StartBatch{},
		MqSetup{QueuesAvailable: queues, StickOffset: stickOffset},
	}

	nextMinor := make([]uint16, queues+1) // indexed by ISP-side major
	for q := 1; q <= queues; q++ {
		nextMinor[q] = 3
	}
	allocMinor := func(major uint16) uint16 {
		minor := nextMinor[major]
		if minor == 0 {
			log.Logger.Warn().Uint16("major", major).Msg("class minor space exhausted")
			return 0
		}
		nextMinor[major] = minor + 1
		return minor
	}

	plans := make([]classPlan, len(m.Nodes))
	roundRobin := 0
	nextMajor := func() (uint16, uint16) {
		major := uint16(roundRobin%queues + 1)
		roundRobin++
		return major, major + uint16(stickOffset)
	}

	// Walk in index order: parents always precede children, so a
	// node's plan is ready before its descendants need it.
	for idx := 1; idx < len(m.Nodes); idx++ {
		node := m.Nodes[idx]
		var major, upMajor uint16
		if node.Parent == 0 {
			major, upMajor = nextMajor()
		} else {
			major = plans[node.Parent].major
			upMajor = plans[node.Parent].upMajor
		}
		minor := allocMinor(major)
		plans[idx] = classPlan{major: major, upMajor: upMajor, minor: minor}

		parent, upParent := parentHandles(plans, node.Parent, major, upMajor)
		batch = append(batch, AddSite{
			SiteHash:      model.HashString(node.Name),
			ParentClass:   parent,
			UpParentClass: upParent,
			ClassMinor:    minor,
			DownloadMin:   float32(node.DownloadMaxMbps),
			UploadMin:     float32(node.UploadMaxMbps),
			DownloadMax:   float32(node.DownloadMaxMbps),
			UploadMax:     float32(node.UploadMaxMbps),
		})
	}

	for _, circuit := range m.Circuits {
		parentIdx := circuit.ParentNodeIdx
		var major, upMajor uint16
		if parentIdx == 0 {
			major, upMajor = nextMajor()
		} else {
			major = plans[parentIdx].major
			upMajor = plans[parentIdx].upMajor
		}
		minor := allocMinor(major)

		parent, upParent := parentHandles(plans, parentIdx, major, upMajor)
		cmd := AddCircuit{
			CircuitHash:   circuit.Hash,
			ParentClass:   parent,
			UpParentClass: upParent,
			ClassMinor:    minor,
			DownloadMin:   circuit.DownloadMinMbps,
			UploadMin:     circuit.UploadMinMbps,
			DownloadMax:   circuit.DownloadMaxMbps,
			UploadMax:     circuit.UploadMaxMbps,
			ClassMajor:    major,
			UpClassMajor:  upMajor,
		}
		if circuit.SqmOverride != nil {
			cmd.SqmDown = circuit.SqmOverride.Down
			cmd.SqmUp = circuit.SqmOverride.Up
		}
		batch = append(batch, cmd)
	}

	batch = append(batch, CommitBatch{})
	return batch
}

// parentHandles resolves the classes a site or circuit attaches
// beneath. Children of the root attach to the queue-root class
// (major:1) of their own assigned queue; everyone else attaches to
// their parent node's class pair.
func parentHandles(plans []classPlan, parentIdx int, major, upMajor uint16) (tc.Handle, tc.Handle) {
	if parentIdx == 0 {
		return tc.NewHandle(major, 1), tc.NewHandle(upMajor, 1)
	}
	plan := plans[parentIdx]
	return tc.NewHandle(plan.major, plan.minor), tc.NewHandle(plan.upMajor, plan.minor)
}
