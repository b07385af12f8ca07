package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/polkaview/indexer/infrastructure/chain"
	ierrors "github.com/polkaview/indexer/infrastructure/errors"
	"github.com/polkaview/indexer/infrastructure/metrics"
	"github.com/polkaview/indexer/infrastructure/middleware"
	"github.com/polkaview/indexer/system/platform/migrations"
)

// healthyLagThreshold is the maximum chainTip-indexedHeight gap the health
// gate accepts.
const healthyLagThreshold = 10

// ServiceOptions carries the compiled-in extension points.
type ServiceOptions struct {
	// Decoder overrides the raw payload decoder.
	Decoder Decoder

	// ExtensionHandlers maps extension ids (from their manifests) to handler
	// sets.
	ExtensionHandlers map[string]Handlers
}

// Service wires the storage, RPC pool, registry, and pipeline together and
// exposes the operations consumed by the read API.
type Service struct {
	cfg       *Config
	storage   *Storage
	registry  *Registry
	pool      *chain.Pool
	pipeline  *Pipeline
	collector *metrics.Collector
	health    *middleware.HealthChecker
	sweeper   *cron.Cron
	log       *logrus.Entry

	mu      sync.Mutex
	running bool
}

// NewService creates the indexer service: it connects to the store, applies
// base and extension migrations, and builds the pipeline. Fatal
// misconfiguration (unreachable DB, no endpoints) surfaces here.
func NewService(cfg *Config, opts ServiceOptions) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	storage, err := NewStorage(cfg)
	if err != nil {
		return nil, ierrors.Fatal("connect to store", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancel()

	if err := migrations.Apply(ctx, storage.DB()); err != nil {
		storage.Close()
		return nil, ierrors.Fatal("apply base migrations", err)
	}

	registry, err := LoadRegistry(cfg.ExtensionsDir, opts.ExtensionHandlers)
	if err != nil {
		storage.Close()
		return nil, err
	}
	if err := registry.RunMigrations(ctx, storage.DB()); err != nil {
		storage.Close()
		return nil, err
	}

	pool, err := chain.NewPool(&chain.PoolConfig{
		Endpoints:   cfg.AllEndpoints(),
		CallTimeout: cfg.RPCCallTimeout,
	})
	if err != nil {
		storage.Close()
		return nil, ierrors.Fatal("build RPC pool", err)
	}

	fetcher, err := NewFetcher(pool, opts.Decoder, cfg.FetchTimeout)
	if err != nil {
		storage.Close()
		return nil, err
	}

	collector := metrics.New("indexer")
	processor := NewProcessor(storage, registry)

	pipeline := NewPipeline(cfg, PipelineDeps{
		Store:     storage,
		Fetcher:   fetcher,
		Processor: processor,
		RPC:       pool,
		DialSub: func(ctx context.Context) (SubscriptionClient, error) {
			client, err := pool.DialSubscription(ctx)
			if err != nil {
				return nil, err
			}
			return wsSubClient{client}, nil
		},
		Collector: collector,
	})

	svc := &Service{
		cfg:       cfg,
		storage:   storage,
		registry:  registry,
		pool:      pool,
		pipeline:  pipeline,
		collector: collector,
		log:       logrus.WithField("component", "indexer-service"),
	}
	svc.health = svc.buildHealthChecker()

	return svc, nil
}

// buildHealthChecker registers the three health gates: store reachable, at
// least one healthy RPC endpoint, and indexing lag under threshold.
func (s *Service) buildHealthChecker() *middleware.HealthChecker {
	h := middleware.NewHealthChecker("1.0.0")

	h.RegisterCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCCallTimeout)
		defer cancel()
		return s.storage.Ping(ctx)
	})

	h.RegisterCheck("rpc", func() error {
		if s.pool.HealthyCount() < 1 {
			return fmt.Errorf("no healthy RPC endpoints")
		}
		return nil
	})

	h.RegisterCheck("lag", func() error {
		status := s.pipeline.Status()
		if status.ChainTip > status.IndexedHeight &&
			status.ChainTip-status.IndexedHeight >= healthyLagThreshold {
			return fmt.Errorf("indexing lag %d blocks", status.ChainTip-status.IndexedHeight)
		}
		return nil
	})

	return h
}

// Start starts the pool, the pipeline, and the consistency sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service already running")
	}

	s.log.WithFields(logrus.Fields{
		"endpoints":  len(s.cfg.AllEndpoints()),
		"extensions": len(s.registry.Extensions()),
	}).Info("starting indexer")

	s.pool.Start(ctx)

	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if s.cfg.ConsistencySweepSpec != "" {
		s.sweeper = cron.New()
		if _, err := s.sweeper.AddFunc(s.cfg.ConsistencySweepSpec, s.runConsistencySweep); err != nil {
			return fmt.Errorf("schedule consistency sweep: %w", err)
		}
		s.sweeper.Start()
	}

	s.running = true
	return nil
}

// Stop stops everything gracefully: the consistency sweeper, then the
// pipeline, then the pool and the store.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.log.Info("stopping indexer")

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	err := s.pipeline.Stop()
	s.pool.Stop()
	s.storage.Close()

	s.running = false
	return err
}

// runConsistencySweep scans everything indexed so far and re-enqueues broken
// heights. It is cooperative: the scan is read-only and the repairs share the
// fetch window with live work.
func (s *Service) runConsistencySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
	defer cancel()

	bad, err := s.pipeline.ConsistencyCheck(ctx, 1, 0)
	if err != nil {
		s.log.WithError(err).Error("consistency sweep")
		s.collector.RecordError()
		return
	}
	if len(bad) == 0 {
		return
	}

	s.log.WithField("heights", len(bad)).Warn("consistency sweep found broken heights")
	s.pipeline.Repair(bad)
}

// =============================================================================
// API Operations
// =============================================================================

// StatusReport aggregates pipeline progress, metrics, and endpoint health.
type StatusReport struct {
	Pipeline  PipelineStatus         `json:"pipeline"`
	Metrics   metrics.Snapshot       `json:"metrics"`
	Endpoints []chain.EndpointStatus `json:"rpc_endpoints"`
}

// Status returns the full status report.
func (s *Service) Status() StatusReport {
	return StatusReport{
		Pipeline:  s.pipeline.Status(),
		Metrics:   s.collector.Snapshot(),
		Endpoints: s.pool.Endpoints(),
	}
}

// ConsistencyCheck reports missing or mismatched heights in the range.
func (s *Service) ConsistencyCheck(ctx context.Context, fromHeight, toHeight uint32) ([]uint32, error) {
	return s.pipeline.ConsistencyCheck(ctx, fromHeight, toHeight)
}

// Repair enqueues heights for re-fetch and returns immediately.
func (s *Service) Repair(heights []uint32) {
	s.pipeline.Repair(heights)
}

// Health evaluates the three health gates.
func (s *Service) Health() middleware.HealthStatus {
	return s.health.Evaluate()
}
