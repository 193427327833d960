package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/billscan/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for bill extraction and review",
	Long: `Start an HTTP server exposing the bill extraction, matching and
review workflow as a REST API.

The server provides the following endpoints:
  POST /documents                 - Upload a document for extraction
  GET  /bills/{id}                - Fetch a bill
  GET  /bills/{id}/worklist       - Fields and lines needing attention
  GET  /bills/{id}/events         - WebSocket bill state stream
  POST /bills/{id}/review/...     - Review actions (accept, edit, re-OCR, mask, undo)
  POST /bills/{id}/receiving      - Post an approved bill to receiving
  GET  /match/candidates          - Rank catalog candidates for a line
  GET  /healthz                   - Health check
  GET  /metrics                   - Prometheus metrics

Examples:
  billscan serve
  billscan serve --port 8080
  billscan serve --host 0.0.0.0 --port 3000 --rate-limit-rps 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		corsOrigin := cfg.Server.CORSOrigin
		if cmd.Flags().Changed("cors-origin") {
			corsOrigin, _ = cmd.Flags().GetString("cors-origin")
		}

		maxUploadSize := cfg.Server.MaxUploadMB
		if cmd.Flags().Changed("max-upload-size") {
			maxUploadSize, _ = cmd.Flags().GetInt("max-upload-size")
		}

		timeout := cfg.Server.TimeoutSec
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetInt("timeout")
		}

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if cmd.Flags().Changed("shutdown-timeout") {
			shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
		}

		rateLimitRPS := cfg.Server.RateLimitRPS
		if cmd.Flags().Changed("rate-limit-rps") {
			rateLimitRPS, _ = cmd.Flags().GetInt("rate-limit-rps")
		}

		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
		}

		logger := slog.Default()
		app, err := buildApp(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		srv, err := server.NewServer(server.Config{
			Host:          host,
			Port:          port,
			CORSOrigin:    corsOrigin,
			MaxUploadMB:   int64(maxUploadSize),
			TimeoutSec:    timeout,
			RateLimitRPS:  rateLimitRPS,
			LowConfidence: cfg.Pipeline.Validate.LowConfidence,
		}, server.Deps{
			Processor: app.pipeline,
			Review:    app.review,
			Bills:     app.store,
			Matcher:   app.matcher,
			Catalog:   app.store,
			Products:  app.store,
			Audit:     app.store,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		mux := http.NewServeMux()
		srv.SetupRoutes(mux)

		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       time.Duration(timeout) * time.Second,
			WriteTimeout:      time.Duration(timeout) * time.Second,
		}

		go func() {
			slog.Info("Starting billscan server", "host", host, "port", port)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		slog.Info("Starting graceful shutdown", "timeout", fmt.Sprintf("%ds", shutdownTimeout))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(shutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server shutdown completed")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Int("rate-limit-rps", 0, "per-client request rate limit (0 disables)")
}
