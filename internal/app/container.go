package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/gatehouse/internal/audit"
	audithttp "github.com/odyssey-erp/gatehouse/internal/audit/http"
	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/memstore"
	"github.com/odyssey-erp/gatehouse/internal/observability"
	"github.com/odyssey-erp/gatehouse/internal/platform/cache"
	"github.com/odyssey-erp/gatehouse/internal/platform/db"
	"github.com/odyssey-erp/gatehouse/internal/shared"
	"github.com/odyssey-erp/gatehouse/jobs"
)

// Container holds the wired services shared by the API and the worker.
type Container struct {
	Logger      *slog.Logger
	Config      *Config
	Metrics     *observability.Metrics
	Redis       redis.UniversalClient
	Identity    *identity.Service
	Catalog     *catalog.Service
	Ledger      *ledger.Service
	Resolver    *authz.Resolver
	Invalidator *authz.Invalidator
	Audit       shared.AuditRecorder
	AuditTrail  *audit.Service
	Idempotency shared.IdempotencyChecker
	JobClient   *jobs.Client

	closers []func()
}

// ContainerOptions lets callers inject infrastructure instead of dialing it.
type ContainerOptions struct {
	// Redis overrides REDIS_ADDR, mainly for tests backed by miniredis.
	Redis redis.UniversalClient
	// DisableJobs skips the asynq client even when Redis is reachable.
	DisableJobs bool
}

type repositories struct {
	users       identity.RepositoryPort
	catalog     catalog.RepositoryPort
	ledger      ledger.RepositoryPort
	audit       shared.AuditRecorder
	timeline    audit.Repository
	idempotency shared.IdempotencyChecker
}

// NewContainer wires repositories, caches and services according to cfg.
func NewContainer(ctx context.Context, cfg *Config, logger *slog.Logger, opts ContainerOptions) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Logger: logger, Config: cfg, Metrics: observability.NewMetrics()}

	repos, err := c.openStore(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Audit = repos.audit
	c.AuditTrail = audit.NewService(repos.timeline)
	c.Idempotency = repos.idempotency

	c.Redis = opts.Redis
	if c.Redis == nil && cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, using in-process permission cache", slog.Any("error", err))
		} else {
			c.Redis = client
			c.closers = append(c.closers, func() { _ = client.Close() })
		}
	}

	var permCache authz.Cache
	var bumper authz.GenerationBumper
	if c.Redis != nil {
		rc := authz.NewRedisCache(c.Redis, cfg.AuthzCacheTTL)
		permCache, bumper = rc, rc
	} else {
		lc := authz.NewLocalCache(cfg.AuthzCacheTTL)
		permCache, bumper = lc, lc
	}
	c.Invalidator = authz.NewInvalidator(bumper).WithLogger(logger)

	c.Identity = identity.NewService(repos.users, repos.audit, c.Invalidator, logger)
	c.Catalog = catalog.NewService(repos.catalog, repos.audit, c.Invalidator, logger)
	c.Ledger = ledger.NewService(repos.ledger, c.Identity, c.Catalog, repos.audit, c.Invalidator, logger)
	c.Resolver = authz.NewResolver(c.Identity, c.Ledger, c.Catalog, authz.Options{
		Timeout:     cfg.AuthzResolveTimeout,
		Cache:       permCache,
		Invalidator: c.Invalidator,
		Recorder:    c.Metrics,
		Logger:      logger,
	})

	if c.Redis != nil && !opts.DisableJobs && cfg.RedisAddr != "" && opts.Redis == nil {
		c.JobClient = jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		c.closers = append(c.closers, func() { _ = c.JobClient.Close() })
		c.Catalog.WithRoleNotifier(c.JobClient)
	}
	return c, nil
}

func (c *Container) openStore(ctx context.Context) (repositories, error) {
	if c.Config.AuthzStore == StoreMemory {
		store := memstore.New()
		return repositories{users: store, catalog: store, ledger: store, audit: store, timeline: store, idempotency: store}, nil
	}
	pool, err := db.New(ctx, c.Config.PGDSN, c.Config.PGMaxConns)
	if err != nil {
		return repositories{}, err
	}
	c.closers = append(c.closers, pool.Close)
	if c.Config.PGMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return repositories{}, err
		}
	}
	return repositories{
		users:       identity.NewRepository(pool),
		catalog:     catalog.NewRepository(pool),
		ledger:      ledger.NewRepository(pool),
		audit:       shared.NewAuditLogger(pool),
		timeline:    audit.NewRepository(pool),
		idempotency: shared.NewIdempotencyStore(pool),
	}, nil
}

// Router builds the HTTP surface over the container's services.
func (c *Container) Router() http.Handler {
	gate := authz.Middleware{Resolver: c.Resolver, Logger: c.Logger}
	params := RouterParams{
		Logger:          c.Logger,
		Config:          c.Config,
		Metrics:         c.Metrics,
		AuthzHandler:    authz.NewHandler(c.Logger, c.Resolver),
		IdentityHandler: identity.NewHandler(c.Logger, c.Identity, gate),
		CatalogHandler:  catalog.NewHandler(c.Logger, c.Catalog, gate),
		LedgerHandler:   ledger.NewHandler(c.Logger, c.Ledger, gate, c.Idempotency),
		AuditHandler:    audithttp.NewHandler(c.Logger, c.AuditTrail, gate),
	}
	if c.JobClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: c.Config.RedisAddr})
		c.closers = append(c.closers, func() { _ = inspector.Close() })
		params.JobHandler = jobs.NewHandler(inspector, c.Logger)
	}
	return NewRouter(params)
}

// Close releases pools and clients in reverse order of acquisition.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
