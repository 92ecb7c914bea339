// Package gateway assembles the edge proxy, its background workers and the
// admin API from configuration, and owns their lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"edgeproxy/internal/clientip"
	"edgeproxy/internal/config"
	"edgeproxy/internal/db"
	"edgeproxy/internal/events"
	"edgeproxy/internal/geoip"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/proxy"
	"edgeproxy/internal/reputation"
	"edgeproxy/internal/server"
	"edgeproxy/internal/worker"
)

// Gateway is the assembled process
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	database       *db.DB
	eventPool      *worker.Pool
	reputationPool *worker.Pool
	scheduler      *events.Scheduler
	geo            *geoip.Lookup
	publicIP       *clientip.PublicIPSource
	collector      *metrics.Collector

	edge  *proxy.Server
	admin *server.Server

	stopOnce sync.Once
}

// New wires every component. A database that cannot be reached leaves the
// gateway running as a plain pass-through with reputation and telemetry off.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:    cfg,
		logger:    logger,
		collector: metrics.NewCollector(nil),
	}

	g.database = connectDatabase(ctx, cfg.Database, logger)

	// Pools and stores built from a nil database stay disabled
	var (
		store    *reputation.Store
		recorder *events.Recorder
	)
	if g.database != nil {
		g.reputationPool = worker.NewPool(poolConfig("reputation", cfg.Reputation.Queue), logger)
		g.eventPool = worker.NewPool(poolConfig("events", cfg.Events.Queue), logger)
		g.collector.RegisterPool(g.reputationPool)
		g.collector.RegisterPool(g.eventPool)

		store = reputation.NewStore(g.database, g.reputationPool, cfg.Reputation.LookupTimeout, logger)
		recorder = events.NewRecorder(g.database, g.eventPool, logger)

		maintainer := events.NewMaintainer(g.database, cfg.Events.RetentionMonths, logger)
		g.scheduler = events.NewScheduler(maintainer, cfg.Events.Schedule, logger)
	} else {
		store = reputation.NewStore(nil, nil, 0, logger)
		recorder = events.NewRecorder(nil, nil, logger)
	}

	geo, err := geoip.Open(cfg.GeoIP.DatabasePath, logger)
	if err != nil {
		logger.Warn("GeoIP database unavailable, using edge country header only", "path", cfg.GeoIP.DatabasePath, "error", err)
		geo = nil
	}
	g.geo = geo

	trust, err := g.buildTrust()
	if err != nil {
		g.closeResources()
		return nil, err
	}

	edgeCIDRs, err := clientip.ParseCIDRList(cfg.Edge.CIDRs)
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("failed to parse edge CIDRs: %w", err)
	}
	resolver := clientip.NewResolver(clientip.Options{
		ClientIPHeader:   cfg.Edge.ClientIPHeader,
		SecretHeader:     cfg.Edge.SecretHeader,
		Secret:           cfg.Edge.Secret,
		EdgeCIDRs:        edgeCIDRs,
		AllowLocalBypass: cfg.Edge.AllowLocalBypass,
	})

	g.edge, err = proxy.NewServer(cfg.Server, cfg.Routing, &proxy.Deps{
		Client:     proxy.NewUpstreamClient(cfg.Upstream),
		Resolver:   resolver,
		Trust:      trust,
		Reputation: store,
		Recorder:   recorder,
		Countries:  geo,
		Metrics:    g.collector,
		Logger:     logger,
		Options:    proxy.OptionsFrom(cfg),
	})
	if err != nil {
		g.closeResources()
		return nil, err
	}

	if cfg.Admin.Enabled {
		deps := server.Deps{
			Trust:   trust,
			Metrics: g.collector,
			Logger:  logger,
		}
		if g.database != nil {
			deps.Database = g.database
			deps.Reputation = store
		}
		g.admin = server.New(cfg, deps)
	}

	return g, nil
}

// connectDatabase returns nil when the database is disabled or unreachable
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) *db.DB {
	if !cfg.Enabled {
		logger.Info("database disabled, reputation and telemetry off")
		return nil
	}

	database, err := db.New(ctx, db.Config{
		ConnString: cfg.ConnString(),
		MaxConns:   cfg.MaxConns,
	})
	if err != nil {
		logger.Warn("database unavailable, running as pass-through", "error", err)
		return nil
	}

	if err := database.EnsureSchema(ctx); err != nil {
		logger.Warn("database schema bootstrap failed, running as pass-through", "error", err)
		database.Close()
		return nil
	}
	return database
}

func (g *Gateway) buildTrust() (*clientip.TrustChecker, error) {
	networks, err := clientip.ParseCIDRList(g.config.Trust.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted networks: %w", err)
	}

	g.publicIP = clientip.NewPublicIPSource(g.config.Trust.PublicIPFile, g.config.Trust.CacheTTL, g.logger)
	if g.config.Trust.WatchFile {
		if err := g.publicIP.Watch(); err != nil {
			g.logger.Warn("public IP file watch disabled", "path", g.config.Trust.PublicIPFile, "error", err)
		}
	}
	return clientip.NewTrustChecker(networks, g.publicIP), nil
}

func poolConfig(name string, q config.QueueConfig) *worker.PoolConfig {
	cfg := worker.DefaultPoolConfig(name)
	if q.Size > 0 {
		cfg.QueueSize = q.Size
	}
	if q.Workers > 0 {
		cfg.Workers = q.Workers
	}
	if q.Overflow != "" {
		cfg.Overflow = q.Overflow
	}
	if q.JobTimeout > 0 {
		cfg.JobTimeout = q.JobTimeout
	}
	return cfg
}

// Edge returns the edge server
func (g *Gateway) Edge() *proxy.Server {
	return g.edge
}

// Admin returns the admin server, or nil when disabled
func (g *Gateway) Admin() *server.Server {
	return g.admin
}

// Degraded reports whether the gateway runs without a database
func (g *Gateway) Degraded() bool {
	return g.database == nil
}

// Run starts background work and both listeners, and blocks until ctx is
// cancelled or a listener fails. It does not shut down; call Shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if g.reputationPool != nil {
		g.reputationPool.Start()
	}
	if g.eventPool != nil {
		g.eventPool.Start()
	}
	if g.scheduler != nil {
		if err := g.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start partition maintenance: %w", err)
		}
		if next := g.scheduler.NextRun(); next != nil {
			g.logger.Info("next partition maintenance", "at", next.UTC().Format(time.RFC3339))
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- g.edge.Start(ctx) }()
	if g.admin != nil {
		go func() { errCh <- g.admin.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}
}

// Shutdown stops accepting requests, lets in-flight ones finish, drains the
// background queues and releases resources, in that order
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.stopOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		if err := g.edge.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("edge: %w", err))
		}
		if g.admin != nil {
			if err := g.admin.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin: %w", err))
			}
		}
		if g.scheduler != nil {
			g.scheduler.Stop()
		}
		for _, p := range []*worker.Pool{g.eventPool, g.reputationPool} {
			if p == nil {
				continue
			}
			if err := p.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s queue: %w", p.Name(), err))
			}
		}

		g.closeResources()
	})
	return errors.Join(errs...)
}

func (g *Gateway) closeResources() {
	if g.publicIP != nil {
		if err := g.publicIP.Close(); err != nil {
			g.logger.Warn("failed to stop public IP watcher", "error", err)
		}
	}
	if err := g.geo.Close(); err != nil {
		g.logger.Warn("failed to close GeoIP database", "error", err)
	}
	if g.database != nil {
		g.database.Close()
	}
}

// Maintain connects to the database and runs one partition reconcile
func Maintain(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*events.Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	database, err := db.New(ctx, db.Config{
		ConnString: cfg.Database.ConnString(),
		MaxConns:   cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap database schema: %w", err)
	}

	return events.NewMaintainer(database, cfg.Events.RetentionMonths, logger).Reconcile(ctx)
}

