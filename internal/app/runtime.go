// Package app is the process plumbing every fulfillment binary shares: configuration,
// logger, metrics registry, tracing, backing stores and a supervised run loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/broker"
	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/ariefcatur/order-fulfillment/internal/postgres"
	"github.com/ariefcatur/order-fulfillment/internal/redisx"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	mu      sync.Mutex
	rdb     *redis.Client
	closers []func(context.Context) error
}

// New loads .env and the environment for role, validates it and builds the logger,
// registry and tracer provider.
func New(ctx context.Context, role config.Role) (*Runtime, error) {
	_ = godotenv.Load()
	cfg := config.LoadFor(role)
	if err := cfg.Validate(role); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt := &Runtime{Config: cfg, Log: log, Registry: reg, Metrics: metrics.New(reg)}
	rt.OnClose(func(context.Context) error {
		_ = log.Sync()
		return nil
	})

	shutdown, err := tracing.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	rt.OnClose(shutdown)

	log.Info("starting",
		zap.String("role", string(role)),
		zap.String("store", cfg.Store),
		zap.String("broker", cfg.Broker))
	return rt, nil
}

// OnClose registers fn to run on Close. Closers run last registered first.
func (rt *Runtime) OnClose(fn func(context.Context) error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closers = append(rt.closers, fn)
}

func (rt *Runtime) Close() {
	rt.mu.Lock()
	closers := rt.closers
	rt.closers = nil
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			rt.Log.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

// InMemory reports STORE=memory: in-process stores and dedup, no postgres or redis.
func (rt *Runtime) InMemory() bool { return rt.Config.Store == "memory" }

// Postgres connects and applies the given schema scripts.
func (rt *Runtime) Postgres(ctx context.Context, schemas ...string) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, rt.Config.PostgresDSN, rt.Config.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	rt.OnClose(func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := postgres.Migrate(ctx, pool, schemas...); err != nil {
		return nil, err
	}
	return pool, nil
}

func (rt *Runtime) Redis() *redis.Client {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.rdb == nil {
		rt.rdb = redisx.New(rt.Config.RedisAddr)
		rdb := rt.rdb
		rt.closers = append(rt.closers, func(context.Context) error { return rdb.Close() })
	}
	return rt.rdb
}

// Deduper is the consumer dedup store: redis, or process memory with STORE=memory.
func (rt *Runtime) Deduper() events.Deduper {
	if rt.InMemory() {
		return events.NewMemoryDeduper()
	}
	return redisx.NewDeduper(rt.Redis())
}

func (rt *Runtime) Bus() (broker.Bus, error) {
	b, err := broker.Open(rt.Config, rt.Log, rt.Metrics)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	rt.OnClose(func(context.Context) error { return b.Close() })
	return b, nil
}

// Component is one long-running part of a process.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run starts every component and blocks until SIGINT/SIGTERM or the first component
// failure, which stops the others.
func (rt *Runtime) Run(ctx context.Context, cs ...Component) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cs {
		c := c
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			rt.Log.Info("component stopped", zap.String("component", c.Name))
			return nil
		})
	}
	return g.Wait()
}

// Serve listens on the configured address until ctx is done, then drains in-flight
// requests.
func (rt *Runtime) Serve(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		Addr:              rt.Config.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		rt.Log.Info("http listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
