package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/config"
	"github.com/MeKo-Tech/ocrq/internal/server"
	"github.com/MeKo-Tech/ocrq/internal/service"
	"github.com/MeKo-Tech/ocrq/internal/version"
	"github.com/spf13/cobra"
)

func newServeCommand(a *app) *cobra.Command {
	d := config.DefaultConfig().Server

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket job server",
		Long: `Start a server that accepts OCR jobs and streams their results.

The server provides the following endpoints:
  POST   /v1/jobs?requester=ID          - Enqueue an uploaded image
  GET    /v1/jobs?requester=ID          - List queued tokens
  DELETE /v1/jobs/{token}?requester=ID  - Cancel one job
  DELETE /v1/jobs?requester=ID          - Cancel all of a requester's jobs
  GET    /v1/ws?requester=ID            - WebSocket for results and commands
  GET    /health, /stats, /metrics

Examples:
  ocrq serve
  ocrq serve --port 8080
  ocrq serve --host 0.0.0.0 --port 3000 --jobs-per-minute 30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg)
		},
	}

	f := serveCmd.Flags()
	f.StringP("host", "H", d.Host, "server host")
	f.IntP("port", "p", d.Port, "server port")
	f.String("cors-origin", d.CORSOrigin, "CORS allowed origin")
	f.Int("max-upload-size", d.MaxUploadMB, "maximum upload size in MB")
	f.Int("timeout", d.TimeoutSec, "request timeout in seconds")
	f.Int("shutdown-timeout", d.ShutdownTimeout, "shutdown timeout in seconds")
	f.Int("jobs-per-minute", d.JobsPerMinute, "maximum job submissions per minute per client (0 = unlimited)")
	f.Int64("upload-bytes-per-day", d.UploadBytesPerDay, "maximum uploaded bytes per day per client (0 = unlimited)")
	a.bind(f.Lookup("host"), "server.host")
	a.bind(f.Lookup("port"), "server.port")
	a.bind(f.Lookup("cors-origin"), "server.cors_origin")
	a.bind(f.Lookup("max-upload-size"), "server.max_upload_mb")
	a.bind(f.Lookup("timeout"), "server.timeout_sec")
	a.bind(f.Lookup("shutdown-timeout"), "server.shutdown_timeout")
	a.bind(f.Lookup("jobs-per-minute"), "server.jobs_per_minute")
	a.bind(f.Lookup("upload-bytes-per-day"), "server.upload_bytes_per_day")
	addRecognitionFlags(a, serveCmd)
	return serveCmd
}

// serverConfig maps the server section onto the server package's settings.
func serverConfig(cfg *config.Config) server.Config {
	s := cfg.Server
	return server.Config{
		Host:            s.Host,
		Port:            s.Port,
		CORSOrigin:      s.CORSOrigin,
		MaxUploadBytes:  int64(s.MaxUploadMB) << 20,
		Timeout:         time.Duration(s.TimeoutSec) * time.Second,
		ShutdownTimeout: time.Duration(s.ShutdownTimeout) * time.Second,
		JobsPerMinute:   s.JobsPerMinute,
		BytesPerDay:     s.UploadBytesPerDay,
		Version:         version.Version,
	}
}

// serve runs the server until ctx ends, then drains the queue.
func serve(ctx context.Context, cfg *config.Config) error {
	opts, err := newServiceOptions(cfg)
	if err != nil {
		return err
	}
	svc, err := service.New(opts)
	if err != nil {
		_ = opts.Engine.Close()
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	srv, err := server.New(serverConfig(cfg), svc)
	if err != nil {
		_ = svc.Close(context.Background())
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	runErr := srv.Run(ctx)

	slog.Info("Stopping job service")
	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("Service shutdown error", "error", err)
	}
	slog.Info("Graceful shutdown completed")
	return runErr
}
