package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spot-connect/internal/api"
	"spot-connect/internal/config"
	"spot-connect/internal/connector"
	"spot-connect/internal/logging"
	"spot-connect/internal/metrics"
)

func main() {
	var (
		configPath string
		envPath    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "optional env file with BINANCE_API_KEY / BINANCE_API_SECRET")
	flag.Parse()

	if err := config.LoadEnvFile(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(cfg.Observability.LogLevel)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	conn, err := connector.New(connector.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Fatal("connector_init_failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Run(gctx)
	})
	if cfg.Observability.MetricsAddr != "" {
		srv := api.NewServer(conn, m.Handler(), logger)
		g.Go(func() error {
			return srv.Serve(gctx, cfg.Observability.MetricsAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return conn.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bookd_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("bookd_exit")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
