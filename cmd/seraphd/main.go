package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/api"
	"github.com/nidhogg/seraph/internal/config"
	"github.com/nidhogg/seraph/internal/learning"
	"github.com/nidhogg/seraph/internal/metrics"
	"github.com/nidhogg/seraph/internal/orchestrator"
	"github.com/nidhogg/seraph/internal/trigger"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/seraph.json"
	}
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = config.Default()
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	if cfgErr != nil {
		logger.Warn("config unavailable, using defaults", zap.String("path", cfgPath), zap.Error(cfgErr))
	} else {
		logger.Info("config loaded", zap.String("path", cfgPath))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := connectBackends(ctx, cfg, m, logger)
	defer b.close()

	opts := orchestrator.DefaultOptions()
	opts.Routing.MaxAgents = cfg.Routing.MaxAgents
	opts.Routing.ReasoningTimeout = cfg.Routing.ReasoningTimeout.Duration
	opts.HierarchyCap = cfg.Routing.HierarchyCap
	opts.Learning = learningConfig(cfg.Learning, opts.Learning)

	svc, err := orchestrator.New(b.Backends, opts, logger)
	if err != nil {
		logger.Fatal("invalid service configuration", zap.Error(err))
	}

	// Triggers share one guard so a timer tick and a queued request never overlap.
	guard := trigger.NewGuard(svc.Scheduler(), logger.Named("trigger"))
	var clock *trigger.Clock
	if cfg.Learning.Interval.Duration > 0 {
		clock = trigger.NewClock(cfg.Learning.Interval.Duration, logger.Named("clock"))
		clock.AddListener(trigger.CycleOnTick(guard, learning.Request{}, logger.Named("clock")))
		clock.Start(ctx)
	}
	if b.redis != nil {
		st := trigger.NewStreamTrigger(b.redis, cfg.Learning.TriggerStream, guard, logger.Named("stream"))
		go func() {
			if err := st.Run(ctx); err != nil {
				logger.Error("learning stream trigger stopped", zap.Error(err))
			}
		}()
	}

	handler := api.NewHandler(svc, m.Handler(), b.names, logger.Named("api"))
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("seraph listening", zap.String("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down seraph...")

	if clock != nil {
		clock.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func learningConfig(c config.LearningConfig, base learning.Config) learning.Config {
	if c.BatchSize > 0 {
		base.BatchSize = c.BatchSize
	}
	if c.MaxBatchSize > 0 {
		base.MaxBatchSize = c.MaxBatchSize
	}
	if base.MaxBatchSize < base.BatchSize {
		base.MaxBatchSize = base.BatchSize
	}
	if c.Workers > 0 {
		base.Workers = c.Workers
	}
	base.Seed = c.Seed
	if c.VelocityFloor > 0 {
		base.VelocityFloor = c.VelocityFloor
	}
	if c.KnowledgeMemory > 0 {
		base.KnowledgeMemory = c.KnowledgeMemory
	}
	if c.HighImpact > 0 {
		base.HighImpact = c.HighImpact
	}
	if bi := c.BaseIntensity; bi != nil {
		base.Base = learning.BaseIntensity{
			Idle:       bi.Idle,
			Active:     bi.Active,
			Processing: bi.Processing,
			Dormant:    bi.Dormant,
		}
	}
	return base
}
