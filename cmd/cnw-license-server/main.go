// Command cnw-license-server serves the license engine over HTTP.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense"
	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
	"github.com/CloudNativeWorks/cnw-license-engine/internal/config"
	"github.com/CloudNativeWorks/cnw-license-engine/internal/httpapi"
)

func main() {
	if err := run(); err != nil {
		slog.Error("license server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Warn("close store", "error", err)
		}
		closeStore()
	}()

	keys, err := cfg.Engine()
	if err != nil {
		return err
	}
	engine, err := cnwlicense.NewEngine(st, keys, cnwlicense.WithLogger(logger))
	if err != nil {
		return err
	}
	if keys.SigningSecret == nil {
		logger.Warn("CNW_LICENSE_SIGNING_SECRET not set; signed export disabled")
	}
	if keys.EncryptionKey == nil {
		logger.Warn("CNW_ENCRYPTION_KEY not set; license files disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.New(engine,
			httpapi.WithAdminKey(cfg.AdminAPIKey),
			httpapi.WithLogger(logger),
			httpapi.WithRegistry(reg),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	// Level was checked by config.Load.
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Logging.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "cnw-license-server")
}

// openStore connects the configured driver. The returned function releases
// the driver connection, which the store does not own.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "sqlite":
		st, err := store.OpenSQLiteStore(ctx, cfg.DSN, store.WithSQLiteTablePrefix(cfg.Prefix))
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewPostgresStore(ctx, pool, store.WithTablePrefix(cfg.Prefix))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() { client.Disconnect(context.Background()) }
		st, err := store.NewMongoStore(ctx, client.Database(cfg.Database), store.WithCollectionPrefix(cfg.Prefix))
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		return st, disconnect, nil

	case "redis":
		opt, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opt)
		st, err := store.NewRedisStore(ctx, client, store.WithKeyPrefix(cfg.Prefix))
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return st, func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
