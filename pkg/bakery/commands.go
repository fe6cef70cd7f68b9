// Package bakery owns the kernel queueing hierarchy. It consumes a
// command stream describing the desired shaping tree, diffs it against
// the remembered kernel state, and drives the tc executor with the
// minimal batch that converges the two.
package bakery

import (
	"fmt"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/tc"
)

// ExecutionMode distinguishes tree construction from lazy live updates.
type ExecutionMode int

const (
	// ModeBuilder is used while constructing the tree.
	ModeBuilder ExecutionMode = iota
	// ModeLiveUpdate is used when a lazy circuit first sees traffic.
	ModeLiveUpdate
)

// Command is the tagged union consumed by the Bakery actor.
type Command interface{ isBakeryCommand() }

// StartBatch opens a fresh batch accumulator.
type StartBatch struct{}

// CommitBatch diffs the accumulated batch against remembered state and
// applies the result.
type CommitBatch struct{}

// MqSetup describes the multi-queue roots for both interfaces.
type MqSetup struct {
	QueuesAvailable int
	StickOffset     int
}

// AddSite provisions one interior node's HTB class pair.
type AddSite struct {
	SiteHash      int64
	ParentClass   tc.Handle
	UpParentClass tc.Handle
	ClassMinor    uint16
	DownloadMin   float32
	UploadMin     float32
	DownloadMax   float32
	UploadMax     float32
}

// AddCircuit provisions one circuit's HTB class pair plus AQM.
type AddCircuit struct {
	CircuitHash   int64
	ParentClass   tc.Handle
	UpParentClass tc.Handle
	ClassMinor    uint16
	DownloadMin   float32
	UploadMin     float32
	DownloadMax   float32
	UploadMax     float32
	ClassMajor    uint16
	UpClassMajor  uint16
	// Per-circuit SQM overrides; empty means the configured default,
	// "none" suppresses the AQM for that direction.
	SqmDown string
	SqmUp   string
}

// OnCircuitActivity reports circuits that moved bytes this tick.
type OnCircuitActivity struct {
	CircuitHashes map[int64]struct{}
}

// ChangeSiteSpeedLive retunes a site's class pair without a rebuild.
type ChangeSiteSpeedLive struct {
	SiteHash    int64
	DownloadMin float32
	UploadMin   float32
	DownloadMax float32
	UploadMax   float32
}

// Tick expires lazy queues that have gone quiet.
type Tick struct{}

func (StartBatch) isBakeryCommand()          {}
func (CommitBatch) isBakeryCommand()         {}
func (MqSetup) isBakeryCommand()             {}
func (AddSite) isBakeryCommand()             {}
func (AddCircuit) isBakeryCommand()          {}
func (OnCircuitActivity) isBakeryCommand()   {}
func (ChangeSiteSpeedLive) isBakeryCommand() {}
func (Tick) isBakeryCommand()                {}

func hexMinor(minor uint16) string { return fmt.Sprintf("0x%x", minor) }

// ToCommands renders the MQ roots, per-queue HTB trees, and default
// classes for both interfaces.
func (m MqSetup) ToCommands(cfg *config.Config) [][]string {
	var result [][]string
	sqm := cfg.SqmTokens()
	r2q := tc.R2q(max(cfg.Queues.UplinkBandwidthMbps, cfg.Queues.DownlinkBandwidthMbps))

	result = append(result, []string{
		"qdisc", "replace", "dev", cfg.IspInterface(),
		"root", "handle", "7FFF:", "mq",
	})
	result = append(result, perQueueTree(cfg.IspInterface(), m.QueuesAvailable, 0, cfg.Queues.DownlinkBandwidthMbps, r2q, sqm)...)

	if !cfg.OnAStick() {
		result = append(result, []string{
			"qdisc", "replace", "dev", cfg.InternetInterface(),
			"root", "handle", "7FFF:", "mq",
		})
	}
	result = append(result, perQueueTree(cfg.InternetInterface(), m.QueuesAvailable, m.StickOffset, cfg.Queues.UplinkBandwidthMbps, r2q, sqm)...)

	return result
}

// perQueueTree emits, for each hardware queue: the HTB root with
// "default 2", the full-rate queue-root class, an AQM beneath it, and
// the low-priority default class with its own AQM.
func perQueueTree(iface string, queues, offset int, capacityMbps uint64, r2q uint64, sqm []string) [][]string {
	var result [][]string
	quantum := tc.Quantum(capacityMbps, r2q)
	quarter := tc.FormatRate(float64(capacityMbps-1) / 4.0)
	almostAll := tc.FormatRate(float64(capacityMbps - 1))
	full := tc.FormatRate(float64(capacityMbps))

	for q := 1; q <= queues; q++ {
		major := fmt.Sprintf("0x%x", q+offset)
		result = append(result, []string{
			"qdisc", "replace", "dev", iface,
			"parent", "7FFF:" + major,
			"handle", major + ":", "htb", "default", "2",
		})
		result = append(result, []string{
			"class", "replace", "dev", iface,
			"parent", major + ":",
			"classid", major + ":1", "htb",
			"rate", full, "ceil", full,
			"quantum", quantum,
		})
		result = append(result, append([]string{
			"qdisc", "replace", "dev", iface,
			"parent", major + ":1",
		}, sqm...))
		result = append(result, []string{
			"class", "replace", "dev", iface,
			"parent", major + ":1",
			"classid", major + ":2", "htb",
			"rate", quarter, "ceil", almostAll,
			"prio", "5",
			"quantum", quantum,
		})
		result = append(result, append([]string{
			"qdisc", "replace", "dev", iface,
			"parent", major + ":2",
		}, sqm...))
	}
	return result
}

// ToCommands renders the site's HTB class pair.
func (s AddSite) ToCommands(cfg *config.Config) [][]string {
	return [][]string{
		{
			"class", "replace", "dev", cfg.IspInterface(),
			"parent", s.ParentClass.String(),
			"classid", hexMinor(s.ClassMinor), "htb",
			"rate", tc.FormatRateF(s.DownloadMin),
			"ceil", tc.FormatRateF(s.DownloadMax),
			"prio", "3",
			"quantum", tc.Quantum(uint64(s.DownloadMax), tc.R2q(cfg.Queues.DownlinkBandwidthMbps)),
		},
		{
			"class", "replace", "dev", cfg.InternetInterface(),
			"parent", s.UpParentClass.String(),
			"classid", hexMinor(s.ClassMinor), "htb",
			"rate", tc.FormatRateF(s.UploadMin),
			"ceil", tc.FormatRateF(s.UploadMax),
			"prio", "3",
			"quantum", tc.Quantum(uint64(s.UploadMax), tc.R2q(cfg.Queues.UplinkBandwidthMbps)),
		},
	}
}

// sqmFor picks the AQM tokens for one direction of a circuit: override,
// default, or nothing at all.
func sqmFor(cfg *config.Config, override string, ceilMbps float32) []string {
	switch override {
	case "none":
		return nil
	case "":
		return tc.SqmFixup(float64(ceilMbps), cfg.SqmTokens())
	default:
		return tc.SqmFixup(float64(ceilMbps), []string{override})
	}
}

// ToCommands renders the circuit's class and AQM commands appropriate
// to the execution mode and lazy-queue policy.
func (c AddCircuit) ToCommands(cfg *config.Config, mode ExecutionMode) [][]string {
	var doHtb, doSqm bool
	if mode == ModeBuilder {
		switch cfg.LazyMode() {
		case config.LazyNo:
			doHtb, doSqm = true, true
		case config.LazyFull:
			return nil
		case config.LazyHtb:
			doHtb, doSqm = true, false
		}
	} else {
		switch cfg.LazyMode() {
		case config.LazyNo:
			// Activity wakeups are meaningless without lazy queues.
			return nil
		case config.LazyHtb:
			doHtb, doSqm = false, true
		case config.LazyFull:
			doHtb, doSqm = true, true
		}
	}

	var result [][]string
	if doHtb {
		result = append(result, []string{
			"class", "replace", "dev", cfg.IspInterface(),
			"parent", c.ParentClass.String(),
			"classid", hexMinor(c.ClassMinor), "htb",
			"rate", tc.FormatRateF(c.DownloadMin),
			"ceil", tc.FormatRateF(c.DownloadMax),
			"prio", "3",
			"quantum", tc.Quantum(uint64(c.DownloadMax), tc.R2q(cfg.Queues.DownlinkBandwidthMbps)),
		})
	}
	if !cfg.Queues.MonitorOnly && doSqm {
		if sqm := sqmFor(cfg, c.SqmDown, c.DownloadMax); len(sqm) > 0 {
			result = append(result, append([]string{
				"qdisc", "replace", "dev", cfg.IspInterface(),
				"parent", fmt.Sprintf("0x%x:0x%x", c.ClassMajor, c.ClassMinor),
			}, sqm...))
		}
	}
	if doHtb {
		result = append(result, []string{
			"class", "replace", "dev", cfg.InternetInterface(),
			"parent", c.UpParentClass.String(),
			"classid", hexMinor(c.ClassMinor), "htb",
			"rate", tc.FormatRateF(c.UploadMin),
			"ceil", tc.FormatRateF(c.UploadMax),
			"prio", "3",
			"quantum", tc.Quantum(uint64(c.UploadMax), tc.R2q(cfg.Queues.UplinkBandwidthMbps)),
		})
	}
	if !cfg.Queues.MonitorOnly && doSqm {
		if sqm := sqmFor(cfg, c.SqmUp, c.UploadMax); len(sqm) > 0 {
			result = append(result, append([]string{
				"qdisc", "replace", "dev", cfg.InternetInterface(),
				"parent", fmt.Sprintf("0x%x:0x%x", c.UpClassMajor, c.ClassMinor),
			}, sqm...))
		}
	}
	return result
}

// ToPrune renders the deletion commands for a circuit. With force set,
// both the classes and the AQMs go; otherwise the lazy-queue policy
// decides how much was ever installed.
func (c AddCircuit) ToPrune(cfg *config.Config, force bool) [][]string {
	var pruneHtb, pruneSqm bool
	if force {
		pruneHtb, pruneSqm = true, true
	} else {
		switch cfg.LazyMode() {
		case config.LazyNo:
			return nil
		case config.LazyHtb:
			pruneHtb, pruneSqm = false, true
		case config.LazyFull:
			pruneHtb, pruneSqm = true, true
		}
	}

	var result [][]string
	if pruneSqm {
		if !cfg.OnAStick() {
			result = append(result, []string{
				"qdisc", "del", "dev", cfg.InternetInterface(),
				"parent", fmt.Sprintf("0x%x:0x%x", c.UpClassMajor, c.ClassMinor),
			})
		}
		result = append(result, []string{
			"qdisc", "del", "dev", cfg.IspInterface(),
			"parent", fmt.Sprintf("0x%x:0x%x", c.ClassMajor, c.ClassMinor),
		})
	}
	if pruneHtb {
		result = append(result, []string{
			"class", "del", "dev", cfg.IspInterface(),
			"parent", c.ParentClass.String(),
			"classid", hexMinor(c.ClassMinor),
		})
		result = append(result, []string{
			"class", "del", "dev", cfg.InternetInterface(),
			"parent", c.UpParentClass.String(),
			"classid", hexMinor(c.ClassMinor),
		})
	}
	return result
}

// ToCommands renders the pair of live class-change commands. The
// internet side changes first; change is idempotent on an existing
// class so either order is safe.
func (ch ChangeSiteSpeedLive) ToCommands(cfg *config.Config, site AddSite) [][]string {
	upMajor, _ := site.UpParentClass.MajorMinor()
	downMajor, _ := site.ParentClass.MajorMinor()
	upClass := fmt.Sprintf("0x%x:0x%x", upMajor, site.ClassMinor)
	downClass := fmt.Sprintf("0x%x:0x%x", downMajor, site.ClassMinor)
	return [][]string{
		{
			"class", "change", "dev", cfg.InternetInterface(),
			"classid", upClass, "htb",
			"rate", tc.FormatRateF(ch.UploadMin),
			"ceil", tc.FormatRateF(ch.UploadMax),
		},
		{
			"class", "change", "dev", cfg.IspInterface(),
			"classid", downClass, "htb",
			"rate", tc.FormatRateF(ch.DownloadMin),
			"ceil", tc.FormatRateF(ch.DownloadMax),
		},
	}
}
