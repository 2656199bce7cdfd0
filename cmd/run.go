package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	jRPC "github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/urfave/cli/v2"
	"github.com/xcall-tracker/xtracker"
	"github.com/xcall-tracker/xtracker/adapter/registry"
	"github.com/xcall-tracker/xtracker/common"
	"github.com/xcall-tracker/xtracker/config"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/metrics"
	"github.com/xcall-tracker/xtracker/notifier"
	"github.com/xcall-tracker/xtracker/notifier/kafka"
	"github.com/xcall-tracker/xtracker/notifier/ws"
	"github.com/xcall-tracker/xtracker/orchestrator"
	"github.com/xcall-tracker/xtracker/rpc"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/tracker"
	"github.com/xcall-tracker/xtracker/tracker/storage"
)

// services built once and shared by the selected components
type services struct {
	cfg          *config.Config
	storage      *storage.SQLStorage
	registry     *registry.Registry
	metrics      *metrics.Collector
	hub          *notifier.GenericSubscriberImpl[notifier.StatusChange]
	publisher    *tracker.StatusPublisher
	orchestrator *orchestrator.Orchestrator
	tracker      *tracker.Tracker
}

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		xtracker.PrintVersion(os.Stdout)
		log.Info("Starting application")
	} else if c.Log.Environment == log.EnvironmentProduction {
		logVersion()
	}

	components, err := common.ParseComponents(cliCtx.StringSlice(config.FlagComponents))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := newServices(ctx, c)
	if err != nil {
		return err
	}
	defer svc.close()

	scheduler := sync.NewScheduler(svc.scanners(components), log.WithFields("module", common.SCANNER))
	for _, component := range components {
		switch component {
		case common.ORCHESTRATOR:
			scheduler.AddJob(common.ORCHESTRATOR, svc.orchestrator.RunHopTimeouts)
		case common.RETENTION:
			retention := tracker.NewRetention(svc.storage, c.Tracker, log.WithFields("module", common.RETENTION))
			scheduler.AddJob(common.RETENTION, retention.Start)
		case common.RPC:
			server, err := createRPC(c.RPC, svc)
			if err != nil {
				return err
			}
			scheduler.AddJob(common.RPC, func(ctx context.Context) error {
				return runRPC(ctx, server)
			})
		case common.NOTIFIER:
			if err := svc.addNotifiers(scheduler); err != nil {
				return err
			}
		}
	}

	err = scheduler.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("terminating application gracefully...")
	return nil
}

func newServices(ctx context.Context, c *config.Config) (*services, error) {
	st, err := storage.NewSQLStorage(log.WithFields("module", common.TRACKER), c.Tracker.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	reg, err := registry.New(ctx, c.Chains, c.Sync.RetryHandler())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to build chain registry: %w", err)
	}

	collector := metrics.NewCollector()
	hub := notifier.NewGenericSubscriberImpl[notifier.StatusChange](c.Tracker.NotificationBuffer, collector.Dropped)
	publisher := tracker.NewStatusPublisher(st, hub, collector, log.WithFields("module", common.NOTIFIER))
	locks := tracker.NewKeyedMutex()
	orch := orchestrator.New(c.Orchestrator, st, reg, locks, publisher, collector,
		log.WithFields("module", common.ORCHESTRATOR))
	trk := tracker.New(st, reg, orch, locks, publisher, collector, log.WithFields("module", common.TRACKER))

	return &services{
		cfg:          c,
		storage:      st,
		registry:     reg,
		metrics:      collector,
		hub:          hub,
		publisher:    publisher,
		orchestrator: orch,
		tracker:      trk,
	}, nil
}

func (s *services) close() {
	if err := s.storage.Close(); err != nil {
		log.Warnf("failed to close storage: %v", err)
	}
}

// scanners returns one scanner per configured chain when the scanner component is selected
func (s *services) scanners(components []string) []*sync.ChainScanner {
	if !common.IsNeeded([]string{common.SCANNER}, components) {
		return nil
	}
	var sources sync.SourceChecker
	if s.cfg.Orchestrator.VerifySourceTx {
		sources = s.orchestrator
	}
	out := make([]*sync.ChainScanner, 0, len(s.cfg.Chains))
	for _, chainID := range s.registry.ChainIDs() {
		chain, err := s.registry.Chain(chainID)
		if err != nil {
			log.Fatal(err)
		}
		a, err := s.registry.Adapter(chainID)
		if err != nil {
			log.Fatal(err)
		}
		logger := log.WithFields("module", common.SCANNER, "chain", chainID)
		out = append(out, sync.NewChainScanner(s.cfg.Sync, chain, a, s.storage, s.tracker, sources,
			s.metrics, logger))
	}
	return out
}

func (s *services) addNotifiers(scheduler *sync.Scheduler) error {
	logger := log.WithFields("module", common.NOTIFIER)
	if s.cfg.Status.Port > 0 {
		server := ws.NewServer(s.cfg.Status, s.hub, s.publisher, s.health, s.metrics.Handler(), logger)
		scheduler.AddJob("status-server", server.Start)
	}
	if s.cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(s.cfg.Kafka)
		if err != nil {
			return err
		}
		publisher := kafka.NewPublisher(s.cfg.Kafka, producer, logger.WithFields("sink", "kafka"))
		scheduler.AddJob("kafka", func(ctx context.Context) error {
			return publisher.Run(ctx, s.hub)
		})
	}
	return nil
}

func (s *services) health(ctx context.Context) error {
	_, err := s.storage.Watermarks(ctx)
	return err
}

func createRPC(cfg jRPC.Config, svc *services) (*jRPC.Server, error) {
	logger := log.WithFields("module", common.RPC)
	endpoints, err := rpc.NewXCallEndpoints(
		logger,
		cfg.WriteTimeout.Duration,
		cfg.ReadTimeout.Duration,
		rpc.DefaultCacheSize,
		svc.storage,
		svc.orchestrator,
	)
	if err != nil {
		return nil, err
	}
	rpcServices := []jRPC.Service{
		{
			Name:    rpc.XCALL,
			Service: endpoints,
		},
	}

	return jRPC.NewServer(cfg, rpcServices, jRPC.WithLogger(logger.GetSugaredLogger())), nil
}

func runRPC(ctx context.Context, server *jRPC.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return server.Stop()
	}
}

func logVersion() {
	log.Infow("Starting application",
		// version is already logged by default
		"gitRevision", xtracker.GitRev,
		"gitBranch", xtracker.GitBranch,
		"goVersion", runtime.Version(),
		"built", xtracker.BuildDate,
		"os/arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	)
}
