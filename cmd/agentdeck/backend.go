package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/agentdeck/internal/api"
	"github.com/alecgard/agentdeck/internal/cache"
	"github.com/alecgard/agentdeck/internal/config"
	"github.com/alecgard/agentdeck/internal/crypto"
	"github.com/alecgard/agentdeck/internal/deploy"
	"github.com/alecgard/agentdeck/internal/invoke"
	"github.com/alecgard/agentdeck/internal/memory"
	"github.com/alecgard/agentdeck/internal/metering"
	"github.com/alecgard/agentdeck/internal/ratelimit"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/resolve"
	"github.com/alecgard/agentdeck/internal/store"
)

// executionStore is both sides of the execution record store.
type executionStore interface {
	metering.BatchInserter
	api.ExecutionReader
}

// backend groups the stores and services every command builds the same way.
type backend struct {
	pool       *pgxpool.Pool
	defs       registry.Store
	snapshots  registry.SnapshotStore
	messages   memory.MessageStore
	executions executionStore

	limiter  *ratelimit.Limiter
	invoker  *invoke.Invoker
	resolver *resolve.Resolver
	service  *registry.Service
	deployer *deploy.Manager
}

// openBackend connects to Postgres when a database URL is configured and
// falls back to the in-memory store otherwise.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("configuring encryption: %w", err)
	}

	b := &backend{}
	if cfg.Database.URL == "" {
		slog.Warn("database.url is empty; using the in-memory store")
		ms := store.NewMemoryStore()
		b.defs, b.snapshots, b.messages, b.executions = ms, ms, ms, ms
	} else {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("creating pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		slog.Info("connected to database", "encryption", cipher.Enabled())
		ps := store.NewPostgresStore(pool, cipher)
		b.pool = pool
		b.defs, b.snapshots, b.messages = ps, ps, ps
		b.executions = metering.NewStore(pool)
	}

	b.limiter = ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.Tiers)
	b.invoker = invoke.New(invoke.Options{
		Cache:           cache.New(cfg.Invoker.CacheCapacity),
		DefaultTimeout:  cfg.Invoker.DefaultTimeout,
		MaxResponseSize: cfg.Invoker.MaxResponseSize,
		RetryBaseDelay:  cfg.Invoker.RetryBaseDelay,
		RetryMaxDelay:   cfg.Invoker.RetryMaxDelay,
	})
	b.invoker.SetRateLimiter(b.limiter)
	b.resolver = resolve.New(resolve.ModelConfig{
		DefaultProvider: cfg.Models.DefaultProvider,
		OpenAIKey:       cfg.Models.OpenAIKey,
		OpenAIBaseURL:   cfg.Models.OpenAIBaseURL,
		AnthropicKey:    cfg.Models.AnthropicKey,
		OllamaHost:      cfg.Models.OllamaHost,
	}, b.invoker, b.messages)
	b.service = registry.NewService(b.defs, b.snapshots)
	b.deployer = deploy.NewManager(b.defs, b.snapshots, b.resolver)
	return b, nil
}

// persistent reports whether changes outlive the process.
func (b *backend) persistent() bool { return b.pool != nil }

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}
