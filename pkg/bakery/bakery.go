package bakery

import (
	"sync/atomic"
	"time"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/tc"
)

// channelCapacity bounds the command channel; a full channel during an
// in-commit speed-change dispatch escalates to a full rebuild.
const channelCapacity = 65536

// Bakery is the single-threaded actor that owns kernel queueing state.
type Bakery struct {
	cfg  *config.Config
	exec *tc.Executor
	cmds chan Command

	// Actor-private state, touched only by the run loop.
	sites        map[int64]AddSite
	circuits     map[int64]AddCircuit
	liveCircuits map[int64]uint64
	pending      []Command
	havePending  bool

	mqInitialized atomic.Bool

	// nowFunc is injectable for tests; returns seconds.
	nowFunc func() uint64

	done chan struct{}
}

// Start launches the Bakery actor thread and returns its handle.
func Start(cfg *config.Config, exec *tc.Executor) *Bakery {
	b := &Bakery{
		cfg:          cfg,
		exec:         exec,
		cmds:         make(chan Command, channelCapacity),
		sites:        make(map[int64]AddSite),
		circuits:     make(map[int64]AddCircuit),
		liveCircuits: make(map[int64]uint64),
		nowFunc:      func() uint64 { return uint64(time.Now().Unix()) },
		done:         make(chan struct{}),
	}
	go b.run()
	return b
}

// Send enqueues a command, blocking if the channel is full. Commands
// from a single producer are applied in send order.
func (b *Bakery) Send(cmd Command) {
	b.cmds <- cmd
}

// QueueDepth reports the number of undelivered commands.
func (b *Bakery) QueueDepth() int { return len(b.cmds) }

// Stop closes the command channel; the actor treats this as fatal and
// exits after draining.
func (b *Bakery) Stop() {
	close(b.cmds)
	<-b.done
}

func (b *Bakery) run() {
	defer close(b.done)
	for cmd := range b.cmds {
		b.apply(cmd)
	}
	// A closed channel means the producer side is gone for good.
	log.Logger.Error().Msg("bakery command channel closed, actor exiting")
}

// apply dispatches one command. Only the actor goroutine (or a
// single-threaded test harness) may call it.
func (b *Bakery) apply(cmd Command) {
	switch c := cmd.(type) {
	case StartBatch:
		b.pending = nil
		b.havePending = true
	case MqSetup, AddSite, AddCircuit:
		if b.havePending {
			b.pending = append(b.pending, cmd)
		} else {
			log.Logger.Warn().Type("command", cmd).Msg("batch command outside StartBatch, skipped")
		}
	case CommitBatch:
		b.handleCommit()
	case OnCircuitActivity:
		b.handleActivity(c)
	case ChangeSiteSpeedLive:
		b.handleSpeedChange(c)
	case Tick:
		b.handleTick()
	default:
		log.Logger.Warn().Type("command", cmd).Msg("unknown bakery command, skipped")
	}
}

func (b *Bakery) handleCommit() {
	if !b.havePending {
		log.Logger.Warn().Msg("CommitBatch without a batch to commit")
		return
	}
	batch := b.pending
	b.pending = nil
	b.havePending = false

	if !b.mqInitialized.Load() {
		b.fullReload(batch)
		return
	}

	sd := diffSites(batch, b.sites)
	if sd.kind == siteRebuildRequired {
		b.fullReload(batch)
		return
	}

	cd := diffCircuits(batch, b.circuits)
	if sd.kind == siteNoChange && cd.empty() {
		log.Logger.Debug().Msg("no changes in committed batch")
		return
	}

	// Site speed changes are dispatched to ourselves as future
	// commands; a full channel means we cannot guarantee delivery, so
	// fall back to a rebuild of the committed batch.
	if sd.kind == siteSpeedChanges {
		for _, site := range sd.changes {
			change := ChangeSiteSpeedLive{
				SiteHash:    site.SiteHash,
				DownloadMin: site.DownloadMin,
				UploadMin:   site.UploadMin,
				DownloadMax: site.DownloadMax,
				UploadMax:   site.UploadMax,
			}
			select {
			case b.cmds <- change:
			default:
				log.Logger.Error().Msg("bakery channel full, falling back to full rebuild")
				b.fullReload(batch)
				return
			}
		}
	}

	// Updated circuits are a remove followed by an add.
	removals := append(append([]AddCircuit{}, cd.removed...), cd.updated...)
	additions := append(append([]AddCircuit{}, cd.added...), cd.updated...)

	for _, circuit := range removals {
		old, ok := b.circuits[circuit.CircuitHash]
		if !ok {
			log.Logger.Warn().Int64("circuit_hash", circuit.CircuitHash).Msg("removal for unknown circuit")
			continue
		}
		delete(b.circuits, circuit.CircuitHash)
		delete(b.liveCircuits, circuit.CircuitHash)
		b.exec.Run(old.ToPrune(b.cfg, true), "removing circuit")
	}

	var commands [][]string
	for _, circuit := range additions {
		b.circuits[circuit.CircuitHash] = circuit
		commands = append(commands, circuit.ToCommands(b.cfg, ModeBuilder)...)
	}
	b.exec.Run(commands, "adding new circuits")
}

func (b *Bakery) fullReload(batch []Command) {
	b.sites = make(map[int64]AddSite)
	b.circuits = make(map[int64]AddCircuit)
	b.liveCircuits = make(map[int64]uint64)

	log.Logger.Info().Int("commands", len(batch)).Msg("bakery processing full batch")
	var commands [][]string
	for _, cmd := range batch {
		switch c := cmd.(type) {
		case MqSetup:
			commands = append(commands, c.ToCommands(b.cfg)...)
		case AddSite:
			b.sites[c.SiteHash] = c
			commands = append(commands, c.ToCommands(b.cfg)...)
		case AddCircuit:
			b.circuits[c.CircuitHash] = c
			commands = append(commands, c.ToCommands(b.cfg, ModeBuilder)...)
		}
	}
	b.exec.Run(commands, "processing batch")
	b.mqInitialized.Store(true)
}

func (b *Bakery) handleActivity(activity OnCircuitActivity) {
	if b.cfg.LazyMode() == config.LazyNo {
		return
	}
	var commands [][]string
	for hash := range activity.CircuitHashes {
		if _, alive := b.liveCircuits[hash]; alive {
			b.liveCircuits[hash] = b.nowFunc()
			continue
		}
		circuit, known := b.circuits[hash]
		if !known {
			continue
		}
		cmds := circuit.ToCommands(b.cfg, ModeLiveUpdate)
		if len(cmds) == 0 {
			continue
		}
		b.liveCircuits[hash] = b.nowFunc()
		commands = append(commands, cmds...)
	}
	b.exec.Run(commands, "enabling live circuits")
}

func (b *Bakery) handleTick() {
	if b.cfg.LazyMode() == config.LazyNo {
		return
	}
	maxAge := b.cfg.LazyExpire()
	if maxAge == 0 {
		return
	}

	now := b.nowFunc()
	var commands [][]string
	for hash, lastActivity := range b.liveCircuits {
		if now-lastActivity <= maxAge {
			continue
		}
		circuit, known := b.circuits[hash]
		if !known {
			delete(b.liveCircuits, hash)
			continue
		}
		cmds := circuit.ToPrune(b.cfg, false)
		if len(cmds) == 0 {
			continue
		}
		delete(b.liveCircuits, hash)
		commands = append(commands, cmds...)
	}
	b.exec.Run(commands, "pruning lazy queues")
}

func (b *Bakery) handleSpeedChange(change ChangeSiteSpeedLive) {
	site, ok := b.sites[change.SiteHash]
	if !ok {
		log.Logger.Warn().Int64("site_hash", change.SiteHash).Msg("speed change for unknown site")
		return
	}
	b.exec.Run(change.ToCommands(b.cfg, site), "changing site speed live")
	site.DownloadMin = change.DownloadMin
	site.UploadMin = change.UploadMin
	site.DownloadMax = change.DownloadMax
	site.UploadMax = change.UploadMax
	b.sites[change.SiteHash] = site
}
