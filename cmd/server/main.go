// Command server runs the webhook execution engine: the HTTP surface, the
// order dispatch worker and the square-off timer subsystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/marketflow/signalbridge/internal/broker"
	"github.com/marketflow/signalbridge/internal/config"
	"github.com/marketflow/signalbridge/internal/dispatch"
	"github.com/marketflow/signalbridge/internal/ledger"
	"github.com/marketflow/signalbridge/internal/scheduler"
	"github.com/marketflow/signalbridge/internal/server"
	"github.com/marketflow/signalbridge/internal/storage"
	"github.com/marketflow/signalbridge/internal/strategy"
	"github.com/marketflow/signalbridge/internal/symbols"
	"github.com/marketflow/signalbridge/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.WithFields(logrus.Fields{
		"mode":     cfg.Environment.Mode,
		"timezone": cfg.Schedule.Timezone,
	}).Info("starting signalbridge")

	store, err := storage.NewSQLiteStore(storage.Config{
		Path:   cfg.Storage.Path,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("closing storage failed")
		}
	}()

	orderAPI := broker.NewCircuitBreakerClient(
		broker.NewClient(cfg.Broker.APIEndpoint, cfg.BrokerTimeout()), logger)

	loc := cfg.Location()
	dispatcher := dispatch.New(orderAPI, logger)
	defer dispatcher.Stop()

	lgr := ledger.New(store, logger)
	resolver := symbols.New(orderAPI, logger)
	sched := scheduler.New(store, lgr, dispatcher, loc, logger)
	processor := webhook.New(store, lgr, resolver, dispatcher, loc, logger)
	service := strategy.New(store, sched, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.RestoreAll(ctx); err != nil {
		return fmt.Errorf("restoring square-off triggers: %w", err)
	}

	srv := server.NewServer(cfg.ListenAddr(), processor, service, lgr, store, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("stopped")
	return nil
}
