package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/config"
	"github.com/nidhogg/seraph/internal/graph"
	"github.com/nidhogg/seraph/internal/memory"
	"github.com/nidhogg/seraph/internal/metrics"
	"github.com/nidhogg/seraph/internal/notify"
	"github.com/nidhogg/seraph/internal/orchestrator"
	"github.com/nidhogg/seraph/internal/provider"
	"github.com/nidhogg/seraph/internal/store"
)

// backends holds the connected infrastructure and what to close on shutdown.
type backends struct {
	orchestrator.Backends
	redis   redis.UniversalClient
	names   map[string]string
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// connectBackends connects every configured store and sink. Anything that is
// missing or unreachable falls back to an in-process implementation.
func connectBackends(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *backends {
	b := &backends{names: make(map[string]string)}
	b.Metrics = m

	b.Repo = store.NewInMemory()
	b.names["repository"] = "memory"
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := store.New(dsn, logger.Named("store"))
		if err != nil {
			logger.Warn("PostgreSQL unavailable, using in-memory repository", zap.Error(err))
		} else if err := pg.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
			logger.Error("migration failed, using in-memory repository", zap.Error(err))
			pg.Close()
		} else {
			b.Repo = pg
			b.names["repository"] = "postgres"
			b.closers = append(b.closers, pg.Close)
		}
	}

	b.Memories = memory.NewInMemoryStore(memory.DefaultBand(), logger.Named("memory"))
	b.Edges = graph.NewInMemory()
	b.names["memory"], b.names["graph"] = "memory", "memory"
	if uri := cfg.Database.Neo4j.URI; uri != "" {
		if mem, err := connectNeo4j(ctx, cfg.Database.Neo4j, logger); err != nil {
			logger.Warn("Neo4j unavailable, using in-memory memory and graph stores", zap.Error(err))
		} else {
			edges := graph.NewNeo4jEdgeStore(mem.Driver(), logger.Named("graph"))
			if err := edges.EnsureSchema(ctx); err != nil {
				logger.Warn("graph schema setup failed", zap.Error(err))
			}
			b.Memories, b.Edges = mem, edges
			b.names["memory"], b.names["graph"] = "neo4j", "neo4j"
			b.closers = append(b.closers, func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mem.Close(closeCtx)
			})
		}
	}

	b.Notes = notify.NewRecorder(cfg.Notify.History)
	var sinks notify.Fanout
	if url := cfg.Database.Redis.URL; url != "" {
		rdb, err := connectRedis(ctx, url)
		if err != nil {
			logger.Warn("Redis unavailable, running without stream sink and trigger", zap.Error(err))
		} else {
			b.redis = rdb
			b.names["stream"] = "redis"
			sinks = append(sinks, notify.NewRedisStream(rdb, cfg.Notify.RedisStream, logger.Named("notify")))
			b.closers = append(b.closers, func() { _ = rdb.Close() })
		}
	}
	if s := cfg.Notify.Slack; s.Enabled && s.BotToken != "" {
		sinks = append(sinks, notify.NewSlack(s.BotToken, s.Channel, logger.Named("notify")))
	}
	if d := cfg.Notify.Discord; d.Enabled && d.BotToken != "" {
		dc, err := notify.NewDiscord(d.BotToken, d.ChannelID, logger.Named("notify"))
		if err != nil {
			logger.Warn("Discord sink unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, dc)
			b.closers = append(b.closers, func() { _ = dc.Close() })
		}
	}
	if len(sinks) > 0 {
		b.Sink = sinks
	}

	if len(cfg.Providers) > 0 {
		pr := provider.NewRouter(provider.DefaultRetryPolicy(), logger.Named("provider"))
		for _, pc := range cfg.Providers {
			p, err := provider.NewFromConfig(provider.ProviderConfig{
				ID: pc.ID, Type: pc.Type, Name: pc.Name,
				Endpoint: pc.Endpoint, APIKey: pc.APIKey,
				Models: pc.Models, Extra: pc.Extra,
			}, logger.Named("provider"))
			if err != nil {
				logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
				continue
			}
			pr.Register(p)
		}
		if cfg.Routing.ProviderID != "" {
			pr.SetDefault(cfg.Routing.ProviderID, cfg.Routing.Model)
		}
		pr.OnResult(m.Generation)
		b.Generator = pr
	}

	logger.Info("backends ready", zap.Any("backends", b.names))
	return b
}

func connectNeo4j(ctx context.Context, c config.Neo4jConfig, logger *zap.Logger) (*memory.Neo4jStore, error) {
	mem, err := memory.NewNeo4jStore(c.URI, c.User, c.Password, memory.DefaultBand(), logger.Named("memory"))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mem.Ping(pingCtx); err != nil {
		_ = mem.Close(context.Background())
		return nil, err
	}
	if err := mem.EnsureSchema(ctx); err != nil {
		logger.Warn("memory schema setup failed", zap.Error(err))
	}
	return mem, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
