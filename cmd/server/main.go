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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/bucketfence/api"
	"github.com/yourusername/bucketfence/internal/config"
	"github.com/yourusername/bucketfence/internal/obs"
	"github.com/yourusername/bucketfence/metrics"
	"github.com/yourusername/bucketfence/middleware"
	"github.com/yourusername/bucketfence/pkg/bucketfence"
	"github.com/yourusername/bucketfence/store"
)

func main() {
	cfg, err := loadConfig(getEnv("CONFIG_PATH", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := obs.SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()

	if err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}

func loadConfig(path string) (*config.Root, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	// Environment wins over the file for the usual deployment knobs
	cfg.Server.Addr = getEnv("ADDR", cfg.Server.Addr)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Limiter.Store = getEnv("STORE", cfg.Limiter.Store)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Root, logger zerolog.Logger) error {
	s, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	opts := append([]bucketfence.Option{
		bucketfence.WithLogger(logger),
		bucketfence.WithRecorder(m),
		bucketfence.WithTimeout(cfg.Limiter.Timeout()),
	}, cfg.Limits.LimiterOptions()...)

	limiter, err := bucketfence.New(s, opts...)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer limiter.Close()

	handler, err := newRouter(cfg, limiter, m, reg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Limiter.Store).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newStore connects the configured backend. Redis backends must answer a
// ping before the server starts taking traffic.
func newStore(ctx context.Context, cfg *config.Root, logger zerolog.Logger) (store.Store, error) {
	if cfg.Limiter.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store; limits are not shared between replicas")
		return store.NewMemoryStore(), nil
	}

	client := redis.NewClient(cfg.Redis.Options())

	var s store.Store
	switch cfg.Limiter.Store {
	case config.StoreRedisOptimistic:
		opt, err := store.NewOptimisticStore(client, store.OptimisticConfig{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			MaxAttempts: cfg.Redis.MaxAttempts,
			CloseClient: true,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		s = opt
	default:
		rs, err := store.NewRedisStore(client, store.RedisConfig{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			CloseClient: true,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := rs.Load(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("load script: %w", err)
		}
		s = rs
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info().Str("addr", cfg.Redis.Addr).Str("store", cfg.Limiter.Store).Msg("connected to redis")
	return s, nil
}

// newRouter mounts the service endpoints and a rate limited demo route
func newRouter(cfg *config.Root, limiter *bucketfence.Limiter, m *metrics.Metrics, reg *prometheus.Registry, logger zerolog.Logger) (http.Handler, error) {
	keyFunc, err := middleware.ParseKeyFunc(cfg.Limits.KeyExtractor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bucketfence.ErrInvalidConfig, err)
	}

	limit, err := middleware.RateLimit(middleware.Config{
		Limiter:  limiter,
		Policies: cfg.Limits,
		KeyFunc:  keyFunc,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	handler := api.NewHandler(limiter, cfg.Limits.Defaults.Params(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/check", handler.CheckRateLimit)
	mux.HandleFunc("/health", handler.Health)
	mux.Handle("/stats", api.NewStatsHandler(m))
	mux.Handle("/metrics", api.PrometheusHandler(reg))
	mux.Handle("/api/", limit(http.HandlerFunc(helloHandler)))

	return obs.Chain(mux, obs.Logger(logger)), nil
}

func helloHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"message":"hello"}`))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
