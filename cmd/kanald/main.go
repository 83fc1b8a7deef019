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

	"github.com/google/uuid"

	"github.com/kanal-io/kanal/internal/config"
	"github.com/kanal-io/kanal/internal/logging"
	"github.com/kanal-io/kanal/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	fs := flag.NewFlagSet("kanald", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g., :9092)")
	controllerAddr := fs.String("controller-listen", "", "Override controller listener address")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics/health endpoint address (e.g., :9090)")
	brokerID := fs.String("broker-id", "", "Override broker ID (default: auto-generated UUID)")
	showVersion := fs.Bool("version", false, "Print version information and exit")

	fs.Usage = func() {
		fmt.Println(`Usage: kanald [options]

Start the Kanal broker front end: a Kafka wire protocol listener whose
requests flow through an instrumented, bounded request channel.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *showVersion {
		fmt.Printf("kanald version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr != "" {
		cfg.Broker.ListenAddr = *listenAddr
	}
	if *controllerAddr != "" {
		cfg.Broker.ControllerListenAddr = *controllerAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})
	logging.SetGlobal(logger)

	opts := BrokerOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	}
	if *brokerID != "" {
		opts.BrokerID = *brokerID
	} else {
		opts.BrokerID = uuid.New().String()
	}

	broker, err := NewBroker(opts)
	if err != nil {
		logger.Errorf("failed to create broker", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- broker.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Errorf("broker error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := broker.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("broker shutdown complete")
}
