package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/kubekb/internal/api/handlers"
	"github.com/cloo-solutions/kubekb/internal/config"
	"github.com/cloo-solutions/kubekb/internal/logging"
	"github.com/cloo-solutions/kubekb/internal/server"
	"github.com/cloo-solutions/kubekb/internal/service"
	"github.com/cloo-solutions/kubekb/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd returns the serve command
func ServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the kubekb knowledge base API server on the specified port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides KUBEKB_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portFlag, _ := cmd.Flags().GetString("port"); portFlag != "" {
		cfg.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.HasSentry() {
		shutdownTelemetry, _ := telemetry.Init(telemetry.Config{
			DSN:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: sampleRate(cfg.Environment),
			Debug:            cfg.Debug,
			Release:          "kubekb@" + version,
		}, logger)
		defer shutdownTelemetry()
	} else {
		logger.Debug("sentry disabled; KUBEKB_SENTRY_DSN is not set")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	providers, err := BuildProviders(ctx, cfg, logger, ProviderOptions{Migrate: !noMigrate})
	if err != nil {
		return err
	}
	defer providers.Close()

	opts := []service.KnowledgeOption{service.WithLogger(logger)}
	if providers.Archive != nil {
		opts = append(opts, service.WithArchive(providers.Archive))
	}
	knowledgeSvc := service.NewKnowledgeService(providers.Embedding, providers.Store, KnowledgeConfig(cfg), opts...)

	router := server.NewRouter(server.RouterConfig{
		KnowledgeHandler: handlers.NewKnowledgeHandler(knowledgeSvc),
		Logger:           logger,
		MaxContentBytes:  int64(knowledgeSvc.Config().Chunk.MaxInputBytes),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		File:    cfg.LogFile,
		Service: "kubekbd",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// sampleRate traces 10% of requests in production and all of them elsewhere.
func sampleRate(environment string) float64 {
	if environment == "production" {
		return 0.1
	}
	return 1.0
}
