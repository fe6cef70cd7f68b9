package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openshaper/shaperd/pkg/bakery"
	"github.com/openshaper/shaperd/pkg/bus"
	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/datapath"
	"github.com/openshaper/shaperd/pkg/facade"
	"github.com/openshaper/shaperd/pkg/flows"
	"github.com/openshaper/shaperd/pkg/heatmap"
	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/model"
	"github.com/openshaper/shaperd/pkg/pubsub"
	"github.com/openshaper/shaperd/pkg/queuestats"
	"github.com/openshaper/shaperd/pkg/tc"
	"github.com/openshaper/shaperd/pkg/throughput"
)

const Version = "1.4.0"

var (
	bpfDir  string
	rootCmd = &cobra.Command{
		Use:   "shaperd",
		Short: "ISP-grade traffic shaper control plane",
		Long: `shaperd translates a hierarchical network model and a subscriber
device table into a kernel HTB+AQM queueing hierarchy, keeps it converged as
inputs change, and aggregates the datapath's per-host and per-flow counters
into live telemetry served over a local bus and WebSocket channels.`,
		Version: Version,
		Run:     runMain,
	}
)

func init() {
	rootCmd.Flags().StringVar(&bpfDir, "bpf-dir", "/sys/fs/bpf/shaperd", "Directory holding the datapath's pinned maps")
	rootCmd.Flags().Bool("debug", false, "Enable debug logging")
	defaults := config.Default()
	rootCmd.Flags().String("web-listen", defaults.WebListen, "Web/WebSocket listen address")
	rootCmd.Flags().String("bus-socket", defaults.BusSocketPath, "Bus socket path")
	_ = viper.BindPFlag("debug", rootCmd.Flags().Lookup("debug"))
	_ = viper.BindPFlag("web_listen", rootCmd.Flags().Lookup("web-listen"))
	_ = viper.BindPFlag("bus_socket", rootCmd.Flags().Lookup("bus-socket"))
}

func runMain(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.SetDebug(cfg.Debug)
	log.Logger.Info().Str("version", Version).Msg("starting shaperd")

	// Startup order: datapath open, model load, Bakery actor,
	// throughput task, listeners. Teardown is the reverse.
	dp, err := datapath.OpenKernel(bpfDir)
	if err != nil {
		log.Logger.Fatal().Err(err).Str("bpf_dir", bpfDir).Msg("cannot attach to the datapath")
	}
	defer dp.Close()

	store := &model.Store{}
	m, err := model.Load(cfg)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("initial model load failed")
	}
	store.Publish(m)

	bak := bakery.Start(cfg, tc.NewExecutor())
	defer bak.Stop()

	resolver := flows.NewResolver(nil)
	flowTracker := flows.NewTracker(resolver, cfg.Flows.FlowTimeoutSeconds, 4096)
	tracker := throughput.NewTracker(store)
	tracker.ActivityThresholdBytes = cfg.Queues.LazyThresholdBytes
	queueStats := queuestats.NewReader(cfg)
	heatmaps := heatmap.NewStore(cfg.EnableCircuitHeatmaps, cfg.EnableSiteHeatmaps, cfg.EnableAsnHeatmaps)

	f := &facade.Facade{
		Cfg:        cfg,
		Store:      store,
		Tracker:    tracker,
		Flows:      flowTracker,
		Bakery:     bak,
		QueueStats: queueStats,
		Heatmaps:   heatmaps,
	}
	if err := f.Reload(); err != nil {
		log.Logger.Fatal().Err(err).Msg("initial shaping batch failed")
	}

	stop := make(chan struct{})
	go flows.RunExporter(flowTracker.ExportChannel(), flows.LogSink{}, stop)
	go watchModelFiles(f, stop)

	registry := pubsub.NewRegistry()
	registerChannels(registry, f)

	engine := facade.NewTickEngine(f, dp)
	engine.OnTick = registry.Tick
	go engine.Run(stop)

	busServer, err := bus.NewServer(cfg.BusSocketPath, f.HandleBus)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("cannot bind the bus socket")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := busServer.Serve(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("bus server error")
		}
	}()

	if cfg.WebEnabled {
		web := newWebServer(cfg, f, registry)
		go func() {
			if err := web.Start(); err != nil {
				log.Logger.Error().Err(err).Msg("web server error")
			}
		}()
		log.Logger.Info().Str("listen", cfg.WebListen).Msg("web interface up")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	_ = busServer.Close()
	close(stop)
	time.Sleep(200 * time.Millisecond)
}

// registerChannels wires the per-tick channel producers.
func registerChannels(registry *pubsub.Registry, f *facade.Facade) {
	registry.RegisterProducer(pubsub.ChannelThroughput, func() any {
		return f.CurrentThroughput()
	})
	registry.RegisterProducer(pubsub.ChannelTopDownloads, func() any {
		return f.Tracker.TopN(0, 10)
	})
	registry.RegisterProducer(pubsub.ChannelWorstRtt, func() any {
		return f.Tracker.WorstRtt(0, 10)
	})
	registry.RegisterProducer(pubsub.ChannelFlowCount, func() any {
		return f.Flows.CountActive()
	})
	registry.RegisterProducer(pubsub.ChannelNetworkTree, func() any {
		return f.GetFullNetworkMap()
	})
	registry.RegisterProducer(pubsub.ChannelExecutiveHeatmaps, func() any {
		return f.Heatmaps.GlobalBlocks()
	})
	registry.RegisterProducer(pubsub.ChannelCakeMarks, func() any {
		return f.QueueStats.Summary().Circuits
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Logger.Fatal().Err(err).Msg("command failed")
	}
}
