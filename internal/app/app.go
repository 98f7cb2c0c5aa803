// Package app wires configured components into a runnable gateway and
// account service. Both binaries build on it.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/audit"
	"github.com/gnasses/Cisco-Provider-API/internal/config"
	"github.com/gnasses/Cisco-Provider-API/internal/credential"
	"github.com/gnasses/Cisco-Provider-API/internal/gateway"
	"github.com/gnasses/Cisco-Provider-API/internal/identity"
	"github.com/gnasses/Cisco-Provider-API/internal/parser"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
)

// Pipeline holds the command pipeline components
type Pipeline struct {
	Profiles   *credential.ProfileSet
	Negotiator *proxy.Negotiator
	Catalog    *parser.Catalog
	Normalizer *parser.Normalizer
	Counter    audit.UsageCounter
	Metrics    *gateway.Metrics
	Gateway    *gateway.Gateway
}

// NewCatalog loads the built-in grammars plus any overrides from dir
func NewCatalog(dir string) (*parser.Catalog, error) {
	catalog, err := parser.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in templates: %w", err)
	}
	if dir != "" {
		if err := catalog.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("failed to load templates from %s: %w", dir, err)
		}
	}
	return catalog, nil
}

// BuildPipeline wires the gateway from cfg. A nil transport selects the SSH
// adapter; reg may be nil to skip metric registration.
func BuildPipeline(cfg *config.Config, transport proxy.Transport, reg prometheus.Registerer, logger *zap.Logger) (*Pipeline, error) {
	profiles, err := cfg.ProfileSet()
	if err != nil {
		return nil, err
	}

	var lookup credential.SecretLookup
	if profiles.HasLookup() {
		httpLookup, err := credential.NewHTTPLookup(cfg.Lookup)
		if err != nil {
			return nil, err
		}
		lookup = httpLookup
	}
	resolver := credential.NewResolver(lookup, logger.Named("credential"))

	if transport == nil {
		sshConfig := cfg.SSH
		transport = proxy.NewSSHAdapter(&sshConfig, logger.Named("ssh"))
	}

	metrics := gateway.NewMetrics(reg)
	negotiator := proxy.NewNegotiator(profiles, resolver, transport, logger.Named("negotiator"))
	negotiator.SetEventHandler(metrics.ObserveAttempt)

	catalog, err := NewCatalog(cfg.Parser.TemplatesDir)
	if err != nil {
		return nil, err
	}
	normalizer := parser.NewNormalizer(catalog, logger.Named("parser"))

	counter, err := audit.New(cfg.Counter, logger.Named("counter"))
	if err != nil {
		return nil, err
	}

	gw := gateway.New(negotiator, normalizer, counter, metrics, cfg.Gateway, logger.Named("gateway"))

	logger.Info("Pipeline ready",
		zap.Strings("profiles", profiles.Names()),
		zap.Int("templates", catalog.Len()),
		zap.String("session_policy", string(cfg.Gateway.SessionPolicy)),
	)

	return &Pipeline{
		Profiles:   profiles,
		Negotiator: negotiator,
		Catalog:    catalog,
		Normalizer: normalizer,
		Counter:    counter,
		Metrics:    metrics,
		Gateway:    gw,
	}, nil
}

// OpenAccounts returns the account repository. Without a configured database
// accounts live in memory. The returned close func is never nil.
func OpenAccounts(ctx context.Context, db config.DatabaseConfig, logger *zap.Logger) (identity.Repository, func(), error) {
	if !db.Enabled() {
		logger.Warn("No database configured, API accounts are kept in memory")
		return identity.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(db.ConnString())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if db.MaxConns > 0 {
		poolConfig.MaxConns = db.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := identity.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}
