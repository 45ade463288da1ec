// Package app wires every Chemist component into a running process:
// Repository, Sharding engine, Discovery adapter, Lifecycle interpreter,
// Telemetry subscriber, Investigator, admin HTTP server. Follows the
// usual panic-recovery-and-exit-code bootstrap convention, reconstructed
// here for Chemist's own component graph.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/adminhttp"
	"github.com/chemist-sh/chemist/internal/awsx"
	"github.com/chemist-sh/chemist/internal/config"
	"github.com/chemist-sh/chemist/internal/discovery"
	"github.com/chemist-sh/chemist/internal/fleet"
	"github.com/chemist-sh/chemist/internal/investigator"
	"github.com/chemist-sh/chemist/internal/lifecycle"
	"github.com/chemist-sh/chemist/internal/metricsx"
	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
	"github.com/chemist-sh/chemist/internal/sharding"
	"github.com/chemist-sh/chemist/internal/telemetry"
)

// Chemist is the fully wired, running process.
type Chemist struct {
	Repo         *repository.Repository
	Engine       *sharding.Engine
	Interpreter  *lifecycle.Interpreter
	Queue        lifecycle.Queue
	Investigator *investigator.Investigator
	Subscriber   *telemetry.Subscriber
	Admin        *adminhttp.Server
	Capacitor    *fleet.Capacitor

	log *zap.Logger
}

// Run builds every component from cfg, seeds static instances/flasks, and
// blocks serving until ctx is cancelled. Returns nil on clean shutdown; any
// other error is a bootstrap or runtime failure the caller should exit 1
// on, per §6 exit codes.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("chemist panicked, shutting down", zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	c, shutdownTracing, buildErr := Build(ctx, cfg, log)
	if buildErr != nil {
		return fmt.Errorf("bootstrap: %w", buildErr)
	}
	defer func() {
		if shutdownTracing != nil {
			_ = shutdownTracing(context.Background())
		}
		c.Repo.Close()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.Interpreter.Run(runCtx, c.Queue)
	go c.Subscriber.Run(runCtx)

	return c.Admin.Run(runCtx)
}

// Build constructs every component without starting the long-running
// loops, so tests can reach the same wiring without accepting
// connections.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Chemist, func(context.Context) error, error) {
	shutdownTracing, err := telemetry.InitTracing(ctx, "chemist", "dev", cfg.OTLPEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}
	telemetry.InitMetrics("chemist")

	awsCfg, err := awsx.Load(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}

	var archiver repository.Archiver
	if cfg.ArchiveTableName != "" {
		archiver = repository.NewDynamoArchiver(awsCfg, cfg.ArchiveTableName, log)
	}
	repo := repository.New(log, repository.WithArchiver(archiver))

	counters, err := metricsx.New(telemetry.Meter("chemist"))
	if err != nil {
		return nil, nil, fmt.Errorf("init counters: %w", err)
	}

	strategy, err := buildStrategy(cfg.ShardingStrategy)
	if err != nil {
		return nil, nil, err
	}

	prober := investigator.NewHTTPProber(cfg.CommandTimeout, "/health")
	cwProber := investigator.NewCloudWatchProber(prober, awsCfg)

	discoveryAdapter := discovery.NewEC2Adapter(awsCfg, cfg.Network.FunnelPort, log)

	queue := lifecycle.NewSQSQueue(awsCfg, cfg.EventQueueURL)

	var resourceTemplates []string
	for _, f := range cfg.Flasks {
		resourceTemplates = append(resourceTemplates, f.Location.TargetResourceTemplates...)
	}

	var capacitor *fleet.Capacitor
	if cfg.FlaskASGResourceID != "" {
		capacitor = fleet.NewCapacitor(awsCfg, repo, fleet.Resource{ResourceID: cfg.FlaskASGResourceID}, cfg.FlaskFloor, log)
	}

	sink := &terminateSink{}
	inv := investigator.New(repo, cwProber, sink, log, investigator.Config{
		MaxRetries: cfg.MaxInvestigatingRetries,
	})

	engine := sharding.NewEngine(repo, strategy, inv, log, sharding.Config{CommandTimeout: cfg.CommandTimeout})

	interp := lifecycle.New(repo, discoveryAdapter, engine, counters, log, lifecycle.Config{
		ResourceTemplates: resourceTemplates,
	})
	sink.interp = interp
	sink.log = log
	sink.capacitor = capacitor

	subscriber := telemetry.New(repo, inv, log, cfg.Network.FunnelPort)

	seedFleet(ctx, repo, cfg, log)

	admin := adminhttp.New(fmt.Sprintf("%s:%d", cfg.Network.Host, cfg.Network.Port), repo, interp, log)

	return &Chemist{
		Repo:         repo,
		Engine:       engine,
		Interpreter:  interp,
		Queue:        queue,
		Investigator: inv,
		Subscriber:   subscriber,
		Admin:        admin,
		Capacitor:    capacitor,
		log:          log,
	}, shutdownTracing, nil
}

// terminateSink implements investigator.TerminateSynthesizer, routing an
// exhausted investigation's synthesized Terminate back through the
// Lifecycle interpreter's own rebalancing path, and nudges the flask ASG
// capacity floor afterward.
type terminateSink struct {
	interp    *lifecycle.Interpreter
	capacitor *fleet.Capacitor
	log       *zap.Logger
}

func (s *terminateSink) SynthesizeTerminate(ctx context.Context, flaskID model.FlaskId) {
	if _, err := s.interp.HandleEvent(ctx, lifecycle.CloudEvent{
		Kind:       model.Terminate,
		InstanceID: string(flaskID),
		Timestamp:  time.Now(),
	}); err != nil {
		s.log.Warn("synthesized terminate failed", zap.String("flask", string(flaskID)), zap.Error(err))
	}
	if s.capacitor != nil {
		if err := s.capacitor.EnsureFloor(ctx); err != nil {
			s.log.Warn("flask capacity floor check failed", zap.Error(err))
		}
	}
}

func buildStrategy(name string) (sharding.Strategy, error) {
	switch name {
	case "", "least-loaded":
		return sharding.NewLeastLoadedStrategy(), nil
	case "random":
		return sharding.NewRandomStrategy(1), nil
	default:
		return nil, fmt.Errorf("unknown sharding-strategy %q", name)
	}
}

func seedFleet(ctx context.Context, repo *repository.Repository, cfg *config.Config, log *zap.Logger) {
	for id, f := range cfg.Flasks {
		flask := model.Flask{
			ID: model.FlaskId(id),
			Location: model.Location{
				Host:              f.Location.Host,
				Port:              f.Location.Port,
				Protocol:          f.Location.Protocol,
				Datacenter:        f.Location.Datacenter,
				Intent:            f.Location.Intent,
				ResourceTemplates: f.Location.TargetResourceTemplates,
			},
		}
		if err := repo.IncreaseCapacity(ctx, flask); err != nil {
			log.Warn("seed flask rejected", zap.String("flask", id), zap.Error(err))
		}
	}
	for id, inst := range cfg.Instances {
		target := model.NewTarget(model.TargetId(id), inst.ClusterName, inst.URIs)
		if err := repo.AddInstance(ctx, target); err != nil {
			log.Warn("seed instance rejected", zap.String("instance", id), zap.Error(err))
		}
	}
}
