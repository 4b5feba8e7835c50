package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bobarin/meetcomposer/internal/api"
	"github.com/bobarin/meetcomposer/internal/compositor"
	"github.com/bobarin/meetcomposer/internal/config"
	"github.com/bobarin/meetcomposer/internal/db"
	"github.com/bobarin/meetcomposer/internal/dedup"
	"github.com/bobarin/meetcomposer/internal/logger"
	"github.com/bobarin/meetcomposer/internal/media"
	"github.com/bobarin/meetcomposer/internal/metrics"
	"github.com/bobarin/meetcomposer/internal/queue"
	"github.com/bobarin/meetcomposer/internal/storage"
	"github.com/bobarin/meetcomposer/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg, logger.New(cfg.LogLevel, cfg.LogPretty))
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", Version).Msg("starting meetcomposer")

	if err := prepareDirs(cfg); err != nil {
		return err
	}

	q, err := queue.New(cfg.RedisURL, queue.Options{
		Processing: cfg.ProcessingQueue,
		Results:    cfg.ResultsQueue,
	})
	if err != nil {
		return err
	}
	defer q.Close()
	log.Info().Str("processing", q.Processing()).Str("results", q.Results()).Msg("connected to redis queue")

	// Record history is only kept when a database is configured.
	var database *db.DB
	var records api.RecordStore
	var recordLog worker.RecordLog
	if cfg.DatabaseURL != "" {
		database, err = db.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(parent); err != nil {
			return err
		}
		records, recordLog = database, database
		log.Info().Msg("connected to database")
	}

	var store dedup.Store
	switch cfg.DedupBackend {
	case config.DedupRedis:
		store = dedup.NewRedis(q.Client(), cfg.DedupTTL)
	case config.DedupPostgres:
		store = dedup.NewPostgres(database)
	default:
		store = dedup.NewMemory()
	}
	log.Info().Str("backend", cfg.DedupBackend).Msg("dedup store ready")

	engine := newEngine(cfg, log)
	collector := metrics.NewCollector()

	handler := api.NewHandler(engine, records, q, api.HandlerConfig{
		OutputDir:         cfg.OutputDir,
		TempDir:           cfg.TempDir,
		UploadConcurrency: cfg.UploadConcurrency,
	}, log)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Metrics:            collector.Handler(),
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		w := worker.New(worker.Deps{
			Broker:    q,
			Dedup:     store,
			Renderer:  newCompositor(cfg, engine, log),
			Publisher: newPublisher(cfg, log),
			Records:   recordLog,
			Metrics:   collector,
		}, worker.Config{
			SourceDir:      cfg.TempDir,
			OutputDir:      cfg.OutputDir,
			MaxHorizon:     cfg.MaxTimelineSeconds,
			RecoverOnStart: true,
		}, log)

		go func() {
			defer close(workerDone)
			if err := w.Start(ctx); err != nil {
				errCh <- fmt.Errorf("worker stopped: %w", err)
			}
		}()
	} else {
		close(workerDone)
		log.Info().Msg("worker disabled, serving API only")
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("shutting down after failure")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// A job in progress runs to completion before the worker returns.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker did not stop before the shutdown timeout")
	}

	log.Info().Msg("server exited")
	return runErr
}

func prepareDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.OutputDir, cfg.TempDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func newEngine(cfg *config.Config, log zerolog.Logger) *media.FFmpeg {
	return media.NewFFmpeg(media.FFmpegConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		CellWidth:   cfg.CellWidth,
		CellHeight:  cfg.CellHeight,
		FPS:         cfg.OutputFPS,
		FontSize:    cfg.LabelFontSize,
		FontFile:    cfg.LabelFontFile,
	}, log)
}

func newCompositor(cfg *config.Config, engine media.Engine, log zerolog.Logger) *compositor.Compositor {
	return compositor.New(engine, compositor.Config{
		WorkDir:     cfg.WorkDir,
		ThumbnailAt: cfg.ThumbnailAtSeconds,
		MaxHorizon:  cfg.MaxTimelineSeconds,
	}, log)
}

func newPublisher(cfg *config.Config, log zerolog.Logger) storage.Publisher {
	if cfg.UseSupabase() {
		log.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("publishing to Supabase storage")
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log)
	}
	log.Info().Str("domain", cfg.DomainName).Msg("serving published files locally")
	return storage.NewLocal(cfg.DomainName)
}
