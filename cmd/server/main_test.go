package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/bucketfence/internal/config"
	"github.com/yourusername/bucketfence/metrics"
	"github.com/yourusername/bucketfence/pkg/bucketfence"
	"github.com/yourusername/bucketfence/store"
)

func TestNewStore_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, backend := range []string{config.StoreRedis, config.StoreRedisOptimistic, config.StoreMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.Redis.Addr = mr.Addr()
			cfg.Limiter.Store = backend

			s, err := newStore(context.Background(), cfg, zerolog.Nop())
			require.NoError(t, err)
			defer s.Close()

			p := bucketfence.Params{MaxTokens: 2, IntervalMs: 1000, RefillRate: 2}
			got, err := s.Execute(context.Background(), []string{backend}, p, 1000)
			require.NoError(t, err)
			assert.Equal(t, bucketfence.Decision{Remaining: 1, NextRefillAt: 2000}, got[backend])
		})
	}
}

func TestNewStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Redis.Addr = addr
	cfg.Redis.DialTimeoutMS = 100

	_, err := newStore(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("ADDR", ":7000")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.StoreMemory, cfg.Limiter.Store)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, ":7000", cfg.Server.Addr)

	t.Setenv("STORE", "etcd")
	_, err = loadConfig("")
	assert.Error(t, err)
}

func TestNewRouter(t *testing.T) {
	cfg := config.Default()
	cfg.Limiter.Store = config.StoreMemory
	cfg.Limits.Defaults = bucketfence.PolicyConfig{MaxTokens: 1, IntervalMs: 60_000, RefillRate: 1}

	s, err := newStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	limiter, err := bucketfence.New(s, bucketfence.WithRecorder(m))
	require.NoError(t, err)

	h, err := newRouter(cfg, limiter, m, reg, zerolog.Nop())
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get("/api/hello").Code)
	assert.Equal(t, http.StatusTooManyRequests, get("/api/hello").Code)
	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/stats").Code)

	metricsBody := get("/metrics").Body.String()
	assert.Contains(t, metricsBody, "bucketfence_decisions_total")

	req := httptest.NewRequest(http.MethodPost, "/check", strings.NewReader(`{"keys":["x"],"now_ms":0}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"next_refill_at":60000`)
}

func TestNewRouter_BadKeyExtractor(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.KeyExtractor = "geo"

	limiter, err := bucketfence.New(store.NewMemoryStore())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	_, err = newRouter(cfg, limiter, metrics.NewMetrics(reg), reg, zerolog.Nop())
	assert.ErrorIs(t, err, bucketfence.ErrInvalidConfig)
}

func TestRun_Shutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Limiter.Store = config.StoreMemory
	cfg.Server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_ReturnsStartupError(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Redis.Addr = addr
	cfg.Redis.DialTimeoutMS = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := run(ctx, cfg, zerolog.Nop())
	assert.Error(t, err)
}
