package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentdeck/internal/api"
	"github.com/alecgard/agentdeck/internal/auth"
	"github.com/alecgard/agentdeck/internal/config"
	"github.com/alecgard/agentdeck/internal/execute"
	"github.com/alecgard/agentdeck/internal/metering"
	"github.com/alecgard/agentdeck/internal/metrics"
	"github.com/alecgard/agentdeck/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Agentdeck server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Insecure:     cfg.Telemetry.Insecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, version)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	m := metrics.New()
	b.invoker.SetMetrics(m)

	collector := metering.NewCollector(b.executions, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	executor := execute.New(b.deployer, b.resolver, b.limiter)
	executor.SetRecorder(collector)
	executor.SetMetrics(m)

	m.RegisterExecutorStatus(func() (int, int) {
		st := executor.Status()
		return st.RunningExecutions, st.RateLimiterEntries
	})
	m.RegisterCollectorBuffer(collector.Pending)

	deps := api.RouterDeps{
		Definitions:    b.service,
		Deployer:       b.deployer,
		Executor:       executor,
		Executions:     b.executions,
		Metrics:        m,
		AdminKeys:      auth.NewKeyMatcher(cfg.Auth.AdminKey),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}
	if b.pool != nil {
		pool := b.pool
		deps.DB = pool
		m.RegisterDBPoolCollector(func() metrics.DBPoolStats {
			s := pool.Stat()
			return metrics.DBPoolStats{
				Total:           s.TotalConns(),
				Idle:            s.IdleConns(),
				Acquired:        s.AcquiredConns(),
				Max:             s.MaxConns(),
				AcquireCount:    s.AcquireCount(),
				EmptyAcquires:   s.EmptyAcquireCount(),
				AcquireDuration: s.AcquireDuration(),
			}
		})
	}
	if !deps.AdminKeys.Configured() {
		slog.Warn("auth.admin_key is not set; admin and deploy routes will reject every request")
	}

	go sweepLimiter(ctx, b, cfg.RateLimit.SweepInterval)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "persistent", b.persistent())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	collector.Stop()
	if tErr := shutdownTracing(shutdownCtx); tErr != nil {
		slog.Error("flushing traces", "error", tErr)
	}
	return err
}

// sweepLimiter drops expired rate limit windows until ctx is done.
func sweepLimiter(ctx context.Context, b *backend, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := b.limiter.Sweep(); n > 0 {
				slog.Debug("rate limit windows swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
