package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/marketplace-api/project/internal/app/api"
	"github.com/marketplace-api/project/internal/bus"
	"github.com/marketplace-api/project/internal/cipher"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/handlers"
	"github.com/marketplace-api/project/internal/platform/auth"
	"github.com/marketplace-api/project/internal/platform/config"
	"github.com/marketplace-api/project/internal/platform/dbpool"
	"github.com/marketplace-api/project/internal/platform/logging"
	"github.com/marketplace-api/project/internal/platform/metrics"
	"github.com/marketplace-api/project/internal/platform/natsutil"
	"github.com/marketplace-api/project/internal/platform/otel"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/store"
	"github.com/marketplace-api/project/internal/topology"
)

const serviceName = "marketplace-api"

func main() {
	if err := run(); err != nil {
		slog.Error("marketplace-api exited", "error", err)
		os.Exit(1)
	}
}

// backends holds the connections opened for the configured store and queue
// so readiness checks and shutdown can reach them.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	nats  *natsutil.Client
}

func (b *backends) close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	b.nats.Close()
}

func (b *backends) ready(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if b.pool != nil {
		if err := b.pool.Ping(checkCtx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(checkCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	if b.nats != nil && b.nats.Conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", b.nats.Conn.Status().String())
	}
	return nil
}

func run() error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	shutdownTracing, err := otel.Setup(runCtx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	topo, err := loadTopology(cfg.TopologyFile)
	if err != nil {
		return err
	}

	be := &backends{}
	defer be.close()

	st, err := openStore(runCtx, cfg, be, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	reg, err := openQueues(cfg, topo, be)
	if err != nil {
		return err
	}
	reg.Metrics = m

	inv, err := openCipher(cfg)
	if err != nil {
		return err
	}

	eventBus := bus.New(topo.Router, reg,
		bus.WithLogger(logger),
		bus.WithMetrics(m),
		bus.WithBuffer(cfg.BusBuffer),
		bus.WithDeliveryTimeout(cfg.BusDeliveryTimeout),
	)
	tokens := auth.NewManager(cfg.JWTSecret, cfg.TokenTTL)
	d, err := dispatch.New(dispatch.Config{
		Store:   st,
		Bus:     eventBus,
		Queues:  reg,
		Cipher:  inv,
		Matrix:  topo.Matrix,
		Router:  topo.Router,
		Logger:  logger,
		Metrics: m,
		Timeout: cfg.HandlerTimeout,
	}, handlers.New(tokens).Specs()...)
	if err != nil {
		return err
	}
	if err := topo.Validate(d.Requirements()); err != nil {
		return fmt.Errorf("topology does not cover deployed handlers: %w", err)
	}

	handler := &api.Handler{
		Dispatcher:    d,
		Topology:      topo,
		Tokens:        tokens,
		Metrics:       m,
		Logger:        logger,
		AllowedOrigin: cfg.AllowedOrigin,
		RequireAuth:   cfg.RequireAuth,
		Ready:         be.ready,
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HandlerTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("marketplace-api listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		// In-flight deliveries drain after the listener stops taking commands.
		if err := eventBus.Close(shutdownCtx); err != nil {
			logger.Error("event bus drain incomplete", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func loadTopology(path string) (*topology.Topology, error) {
	if path == "" {
		return topology.Default()
	}
	return topology.Load(path)
}

func openStore(ctx context.Context, cfg config.Config, be *backends, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.DB)
		if err != nil {
			return nil, err
		}
		be.pool = pool
		pg := store.NewPostgres(pool)
		if err := waitForSchema(ctx, pg, 30*time.Second, logger); err != nil {
			return nil, err
		}
		return pg, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		be.redis = redis.NewClient(opts)
		return store.NewRedis(be.redis), nil
	default:
		return store.NewMemory(), nil
	}
}

func waitForSchema(ctx context.Context, pg *store.Postgres, timeout time.Duration, logger *slog.Logger) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pg.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Warn("waiting for store schema", "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}

func openQueues(cfg config.Config, topo *topology.Topology, be *backends) (*queue.Registry, error) {
	if cfg.QueueBackend != config.QueueJetStream {
		reg, _, err := queue.NewMemoryRegistry(topo.Queues)
		return reg, err
	}
	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, 20*time.Second, nil)
	if err != nil {
		return nil, err
	}
	be.nats = client
	// Provisions the stream and one durable consumer per queue.
	return queue.NewJetStreamRegistry(client.JS, topo.Queues)
}

func openCipher(cfg config.Config) (cipher.Invoker, error) {
	if cfg.CipherEndpoint != "" {
		return cipher.NewRemote(cfg.CipherEndpoint), nil
	}
	return cipher.NewLocal(cfg.CipherKey)
}
