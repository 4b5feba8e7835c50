package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/meetcomposer/internal/compositor"
	"github.com/bobarin/meetcomposer/internal/dedup"
	"github.com/bobarin/meetcomposer/internal/metrics"
	"github.com/bobarin/meetcomposer/internal/models"
	"github.com/bobarin/meetcomposer/internal/queue"
	"github.com/bobarin/meetcomposer/internal/storage"
	"github.com/bobarin/meetcomposer/internal/timeline"
)

const defaultReceiveTimeout = 5 * time.Second

// Broker is the queue transport the worker consumes from.
type Broker interface {
	Receive(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Reject(ctx context.Context, d *queue.Delivery) error
	PublishResult(ctx context.Context, result models.Result) error
	RecoverInFlight(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Renderer composes a job's tracks and extracts its thumbnail.
type Renderer interface {
	Render(ctx context.Context, tracks []timeline.Track, outputPath string) (compositor.Summary, error)
	Thumbnail(ctx context.Context, videoPath string, duration float64, outputPath string) error
}

// RecordLog persists the outcome of each record. Optional.
type RecordLog interface {
	SaveResult(ctx context.Context, result models.Result) error
	SaveFailure(ctx context.Context, recordID, message string) error
}

type Config struct {
	SourceDir      string // Base for relative video_file_path values
	OutputDir      string // Where composed videos and thumbnails are written
	ReceiveTimeout time.Duration
	MaxHorizon     int // Longest accepted timeline in seconds; timeline.DefaultMaxHorizon when zero
	// RecoverOnStart moves messages orphaned in flight back to the queue.
	// Only safe with a single worker per queue.
	RecoverOnStart bool
}

type Deps struct {
	Broker    Broker
	Dedup     dedup.Store
	Renderer  Renderer
	Publisher storage.Publisher
	Records   RecordLog
	Metrics   *metrics.Collector
}

// Worker consumes one job at a time. Every message ends in exactly one ack
// (success or duplicate) or reject (invalid payload or failed composition).
type Worker struct {
	broker    Broker
	dedup     dedup.Store
	renderer  Renderer
	publisher storage.Publisher
	records   RecordLog
	metrics   *metrics.Collector
	cfg       Config
	log       zerolog.Logger
}

func New(deps Deps, cfg Config, log zerolog.Logger) *Worker {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}

	return &Worker{
		broker:    deps.Broker,
		dedup:     deps.Dedup,
		renderer:  deps.Renderer,
		publisher: deps.Publisher,
		records:   deps.Records,
		metrics:   deps.Metrics,
		cfg:       cfg,
		log:       log.With().Str("component", "worker").Logger(),
	}
}

// Start consumes messages until ctx is cancelled. A job that has started runs
// to completion even when ctx is cancelled meanwhile. Broker failures are
// returned and end the loop.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info().
		Str("source_dir", w.cfg.SourceDir).
		Str("output_dir", w.cfg.OutputDir).
		Msg("worker started")

	if w.cfg.RecoverOnStart {
		n, err := w.broker.RecoverInFlight(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			w.log.Warn().Int("messages", n).Msg("requeued messages left in flight")
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker shutting down")
			return nil
		default:
		}

		d, err := w.broker.Receive(ctx, w.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info().Msg("worker shutting down")
				return nil
			}
			return fmt.Errorf("receive failed: %w", err)
		}

		if d == nil {
			continue // No job available, retry
		}

		if err := w.handleDelivery(context.WithoutCancel(ctx), d); err != nil {
			return err
		}

		w.updateQueueDepth(ctx)
	}
}

// handleDelivery runs one message to its terminal state. Only errors that
// leave the message unacknowledged are returned.
func (w *Worker) handleDelivery(ctx context.Context, d *queue.Delivery) error {
	w.metrics.RecordReceived()

	var msg models.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Error().Err(err).Str("body", truncate(string(d.Body), 200)).Msg("rejecting undecodable message")
		w.metrics.RecordOutcome(metrics.OutcomeInvalid)
		return w.broker.Reject(ctx, d)
	}

	if strings.TrimSpace(msg.RecordID) == "" {
		w.log.Error().Msg("rejecting message without record_id")
		w.metrics.RecordOutcome(metrics.OutcomeInvalid)
		return w.broker.Reject(ctx, d)
	}

	log := w.log.With().Str("record_id", msg.RecordID).Logger()
	log.Info().Int("participants", len(msg.Participants)).Msg("job received")

	claimed, err := w.dedup.Claim(ctx, msg.RecordID)
	if err != nil {
		return fmt.Errorf("failed to claim record %s: %w", msg.RecordID, err)
	}
	if !claimed {
		log.Info().Msg("record already processed, acknowledging duplicate")
		w.metrics.RecordOutcome(metrics.OutcomeDuplicate)
		return w.broker.Ack(ctx, d)
	}

	w.metrics.JobStarted()
	defer w.metrics.JobFinished()

	result, sources, err := w.process(ctx, log, msg)
	if err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, timeline.ErrValidation) {
			outcome = metrics.OutcomeInvalid
		}
		log.Error().Err(err).Str("outcome", outcome).Msg("job failed, rejecting")
		w.metrics.RecordOutcome(outcome)
		w.saveFailure(ctx, log, msg.RecordID, err)
		return w.broker.Reject(ctx, d)
	}

	if err := w.broker.PublishResult(ctx, *result); err != nil {
		return fmt.Errorf("failed to publish result for %s: %w", msg.RecordID, err)
	}

	if w.records != nil {
		if err := w.records.SaveResult(ctx, *result); err != nil {
			log.Warn().Err(err).Msg("failed to save record result")
		}
	}

	w.removeSources(log, sources)

	if err := w.dedup.Complete(ctx, msg.RecordID); err != nil {
		log.Warn().Err(err).Msg("failed to mark record complete")
	}

	w.metrics.RecordOutcome(metrics.OutcomeSucceeded)
	log.Info().
		Float64("duration", result.Duration).
		Str("video_url", result.VideoURL).
		Str("thumbnail_url", result.ThumbnailURL).
		Msg("job completed successfully")

	return w.broker.Ack(ctx, d)
}

// Compose runs one job message without a broker or dedup and returns its
// result. Source files are left in place.
func (w *Worker) Compose(ctx context.Context, msg models.JobMessage) (*models.Result, error) {
	log := w.log.With().Str("record_id", msg.RecordID).Logger()
	result, _, err := w.process(ctx, log, msg)
	return result, err
}

// process builds the timeline, composes the video, extracts the thumbnail
// and publishes both. It returns the source files the job consumed.
func (w *Worker) process(ctx context.Context, log zerolog.Logger, msg models.JobMessage) (*models.Result, []string, error) {
	job, err := timeline.NewJob(msg, w.cfg.SourceDir, w.cfg.MaxHorizon)
	if err != nil {
		return nil, nil, err
	}

	for _, rejected := range job.Rejected {
		log.Warn().Err(rejected).Msg("skipping participant")
	}

	name := outputName(job.RecordID)
	videoPath := filepath.Join(w.cfg.OutputDir, name+".mp4")
	thumbnailPath := filepath.Join(w.cfg.OutputDir, name+"_thumbnail.png")

	log.Info().
		Int("tracks", len(job.Tracks)).
		Int("horizon", timeline.Horizon(job.Tracks)).
		Str("output", videoPath).
		Msg("composing")

	summary, err := w.renderer.Render(ctx, job.Tracks, videoPath)
	if err != nil {
		os.Remove(videoPath)
		return nil, nil, err
	}

	w.metrics.RecordComposition(summary.Elapsed.Seconds(), summary.Duration, summary.PlaceholderCells)
	if summary.PlaceholderCells > 0 {
		log.Warn().Int("placeholder_cells", summary.PlaceholderCells).Msg("some sources were unavailable")
	}

	videoURL, err := w.publisher.PublishVideo(ctx, videoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to publish video: %w", err)
	}

	result := &models.Result{
		RecordID: job.RecordID,
		Duration: summary.Duration,
		VideoURL: videoURL,
	}

	if err := w.renderer.Thumbnail(ctx, videoPath, summary.Duration, thumbnailPath); err != nil {
		log.Warn().Err(err).Msg("thumbnail extraction failed, publishing without thumbnail")
		w.metrics.RecordThumbnailFailure()
	} else if thumbURL, err := w.publisher.PublishThumbnail(ctx, thumbnailPath); err != nil {
		log.Warn().Err(err).Msg("thumbnail upload failed, publishing without thumbnail")
		w.metrics.RecordThumbnailFailure()
	} else {
		result.ThumbnailURL = thumbURL
	}

	return result, job.SourcePaths(), nil
}

func (w *Worker) saveFailure(ctx context.Context, log zerolog.Logger, recordID string, cause error) {
	if w.records == nil {
		return
	}
	if err := w.records.SaveFailure(ctx, recordID, cause.Error()); err != nil {
		log.Warn().Err(err).Msg("failed to save record failure")
	}
}

func (w *Worker) removeSources(log zerolog.Logger, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove source file")
		}
	}
}

func (w *Worker) updateQueueDepth(ctx context.Context) {
	stats, err := w.broker.Stats(ctx)
	if err != nil {
		w.log.Debug().Err(err).Msg("failed to read queue stats")
		return
	}
	w.metrics.SetQueueDepth("pending", stats.Pending)
	w.metrics.SetQueueDepth("in_flight", stats.InFlight)
	w.metrics.SetQueueDepth("dead", stats.Dead)
}

// outputName keeps the record id usable as a file name inside the output dir.
func outputName(recordID string) string {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(recordID, `\`, "/")))
	if name == "/" || name == "." {
		return "record"
	}
	return name
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
