package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/beacon/internal/backup"
	"github.com/alfredjeanlab/beacon/internal/config"
	"github.com/alfredjeanlab/beacon/internal/events"
	"github.com/alfredjeanlab/beacon/internal/metrics"
	"github.com/alfredjeanlab/beacon/internal/server"
	"github.com/alfredjeanlab/beacon/internal/store"
	"github.com/alfredjeanlab/beacon/internal/store/jsonl"
	"github.com/alfredjeanlab/beacon/internal/store/postgres"
	"github.com/alfredjeanlab/beacon/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the beacon server",
	GroupID: "system",
	// No client connection needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (must be text or json)", cfg.LogFormat)
	}
}

// openStore opens the event store selected by cfg.Store.
func openStore(ctx context.Context, cfg *config.Config) (store.EventStore, error) {
	switch cfg.Store {
	case config.StoreJSONL:
		return jsonl.Open(cfg.LogPath)
	case config.StorePostgres:
		return postgres.New(ctx, cfg.DatabaseURL)
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// backupDestinations returns the destinations enabled in cfg. A destination
// that fails to initialize is logged and skipped.
func backupDestinations(ctx context.Context, cfg *config.Config, logger *slog.Logger) []backup.Destination {
	var dests []backup.Destination
	if cfg.BackupS3Bucket != "" {
		d, err := backup.NewS3Destination(ctx, cfg.BackupS3Bucket, cfg.BackupS3Key, cfg.BackupS3Region, cfg.BackupS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 backup destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("backup S3 destination enabled", "bucket", cfg.BackupS3Bucket, "key", cfg.BackupS3Key)
		}
	}
	if cfg.BackupGitRepo != "" {
		dests = append(dests, backup.NewGitDestination(cfg.BackupGitRepo, cfg.BackupGitFile, cfg.BackupGitBranch))
		logger.Info("backup git destination enabled", "repo", cfg.BackupGitRepo, "file", cfg.BackupGitFile)
	}
	return dests
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		logger.Info("event mirror disabled (BEACON_NATS_URL not set)")
		return events.NoopPublisher{}, nil
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("event mirror disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("event mirror reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("event mirror enabled", "nats_url", cfg.NATSURL, "subject", events.TopicLocationUpdate)
	return pub, nil
}

// serve runs the HTTP and gRPC servers until ctx is cancelled, then shuts
// everything down in order.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
	}()

	s, err := server.New(server.Options{
		Store:        st,
		Publisher:    publisher,
		Logger:       logger,
		Metrics:      metrics.NewRegistry(),
		SendTimeout:  cfg.SendTimeout.Duration,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           s.NewHTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *server.GRPCServer
	if cfg.GRPCEnabled() {
		grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = httpServer.Close()
			return err
		}
		grpcServer = server.NewGRPCServer(s)
		go func() {
			logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var scheduler *backup.Scheduler
	if cfg.BackupInterval.Duration > 0 {
		if dests := backupDestinations(ctx, cfg, logger); len(dests) > 0 {
			scheduler = backup.NewScheduler(st, dests, cfg.BackupInterval.Duration, nil, logger)
			scheduler.Start()
			logger.Info("backup scheduler started", "interval", cfg.BackupInterval.Duration)
		}
	}

	logger.Info("beacon server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"store", cfg.Store,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "err", runErr)
	}

	if grpcServer != nil {
		grpcServer.Health.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown closes the listener right away but waits for open SSE
	// streams, which only end once subscribers are closed.
	httpDone := make(chan error, 1)
	go func() { httpDone <- httpServer.Shutdown(shutdownCtx) }()

	n := s.CloseSubscribers()
	logger.Info("subscribers closed", "count", n)

	if err := <-httpDone; err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
	logger.Info("HTTP server stopped")

	if grpcServer != nil {
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
	}

	if scheduler != nil {
		scheduler.Stop()
		logger.Info("backup scheduler stopped")
	}

	logger.Info("shutdown complete")
	return runErr
}
