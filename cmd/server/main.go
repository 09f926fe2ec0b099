package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/api"
	"github.com/t77yq/transfer-scheduler/internal/config"
	"github.com/t77yq/transfer-scheduler/internal/events"
	"github.com/t77yq/transfer-scheduler/internal/executor"
	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/monitor"
	"github.com/t77yq/transfer-scheduler/internal/scheduler"
	"github.com/t77yq/transfer-scheduler/internal/storage"
	"github.com/t77yq/transfer-scheduler/internal/timeconv"
	"github.com/t77yq/transfer-scheduler/internal/transfer"
)

// notifier publishes both task outcomes and metrics snapshots
type notifier interface {
	executor.Notifier
	monitor.MetricsPublisher
}

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Failed to resolve timezone", zap.Error(err))
	}
	converter := timeconv.NewConverter(loc, logger)

	client := transfer.NewClient(transfer.Config{
		URL:     cfg.Rclone.URL,
		User:    cfg.Rclone.User,
		Pass:    cfg.Rclone.Pass,
		Timeout: cfg.Rclone.Timeout,
	}, logger)

	// Initialize scheduler
	svc, err := scheduler.NewService(converter, logger, scheduler.WithJobStopper(client))
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	// Connect to NATS when events are enabled
	var pub notifier = events.NopNotifier{}
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		publisher, err := events.NewPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		pub = publisher
	}

	execOpts := []executor.Option{executor.WithJobTracker(svc)}

	// Create task run history storage
	var history *storage.SQLiteTaskRuns
	if cfg.History.Enabled {
		history, err = storage.NewSQLiteTaskRuns(logger, cfg.History.Path)
		if err != nil {
			logger.Fatal("Failed to create task history storage", zap.Error(err))
		}
		defer history.Close()
		execOpts = append(execOpts, executor.WithHistory(history))
	}

	taskExecutor := executor.NewExecutor(svc.Store(), client, pub, executor.Config{
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		PollInterval:  cfg.Executor.PollInterval,
	}, logger, execOpts...)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	executorDone := make(chan struct{})
	go func() {
		defer close(executorDone)
		taskExecutor.Run(ctx, svc.Triggers())
	}()

	remotes, err := loadRemotes(cfg.Remotes.Path, logger)
	if err != nil {
		logger.Fatal("Failed to load remote configs", zap.Error(err))
	}
	if err := svc.Start(remotes); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	collector := monitor.NewMetricsCollector(svc, pub, cfg.Metrics.Interval, logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}

	server := api.NewServer(svc, logger)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.API.Addr))
		if err := server.Start(cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	// Cleanup old run history
	if history != nil && cfg.History.Retention > 0 {
		go pruneHistory(ctx, history, cfg.History.Retention, logger)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down HTTP server", zap.Error(err))
	}
	collector.Stop()
	if err := svc.Stop(); err != nil {
		logger.Warn("Failed to stop scheduler", zap.Error(err))
	}

	select {
	case <-executorDone:
		logger.Info("All executions finished")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, some executions may not have completed")
	}

	logger.Info("Server shutting down gracefully")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			logger.Info("Connected to NATS successfully",
				zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

// loadRemotes reads the remote settings document; a missing file means no remotes
func loadRemotes(path string, logger *zap.Logger) (model.RemoteConfigs, error) {
	if path == "" {
		return model.RemoteConfigs{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Remote configs file not found, starting empty", zap.String("path", path))
		return model.RemoteConfigs{}, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ParseRemoteConfigs(data)
}

func pruneHistory(ctx context.Context, history *storage.SQLiteTaskRuns, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-retention)
		removed, err := history.DeleteBefore(ctx, cutoff)
		if err != nil {
			logger.Error("Failed to cleanup old task history", zap.Error(err))
		} else if removed > 0 {
			logger.Info("Cleaned up old task history", zap.Int64("removed", removed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
