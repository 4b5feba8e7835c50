package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/meetcomposer/internal/db"
	"github.com/bobarin/meetcomposer/internal/models"
	"github.com/bobarin/meetcomposer/internal/queue"
)

// Max in-memory size of a multipart upload; larger parts spill to disk.
const maxUploadMemory = 32 << 20

// Reencoder normalizes an uploaded recording into the compositor's input format.
type Reencoder interface {
	Reencode(ctx context.Context, inputPath, outputPath string) error
}

// RecordStore reads the record history. Optional.
type RecordStore interface {
	GetRecord(ctx context.Context, recordID string) (*models.Record, error)
	ListRecords(ctx context.Context, limit int) ([]models.Record, error)
}

// QueueStats reports broker health. Optional.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type HandlerConfig struct {
	OutputDir         string // Composed videos and thumbnails served by /video and /thumbnail
	TempDir           string // Destination of uploads, read by the worker
	UploadConcurrency int
}

type Handler struct {
	reencoder Reencoder
	records   RecordStore
	queue     QueueStats
	cfg       HandlerConfig
	log       zerolog.Logger
}

func NewHandler(reencoder Reencoder, records RecordStore, q QueueStats, cfg HandlerConfig, log zerolog.Logger) *Handler {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	return &Handler{
		reencoder: reencoder,
		records:   records,
		queue:     q,
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Upload handles POST /uploads
// Each part of the "files" field is saved under a fresh UUID, re-encoded to
// mp4 and returned with the name jobs should reference in video_file_path.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, "No files provided")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "No files provided")
		return
	}

	if err := os.MkdirAll(h.cfg.TempDir, 0755); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to prepare upload directory")
		return
	}

	results := make([]*models.UploadedFile, len(files))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(h.cfg.UploadConcurrency)

	for i, fh := range files {
		g.Go(func() error {
			if fh.Filename == "" {
				return nil
			}
			saved, err := h.saveUpload(ctx, fh)
			if err != nil {
				h.log.Error().Err(err).Str("file", fh.Filename).Msg("upload failed")
				return uploadError{name: fh.Filename}
			}
			results[i] = &models.UploadedFile{OriginalName: fh.Filename, SavedName: saved}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// The client never learns the names of files that did finish.
		for _, f := range results {
			if f != nil {
				os.Remove(filepath.Join(h.cfg.TempDir, f.SavedName))
			}
		}

		var ue uploadError
		if errors.As(err, &ue) {
			respondError(w, http.StatusInternalServerError, "Failed to process file "+ue.name)
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to process upload")
		return
	}

	resp := models.UploadResponse{Files: []models.UploadedFile{}}
	for _, f := range results {
		if f != nil {
			resp.Files = append(resp.Files, *f)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

type uploadError struct {
	name string
}

func (e uploadError) Error() string {
	return "failed to process file " + e.name
}

// saveUpload writes the part to <uuid>.webm, re-encodes it into <uuid>.mp4
// and removes the raw upload. It returns the mp4 file name.
func (h *Handler) saveUpload(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	id := uuid.New().String()
	rawPath := filepath.Join(h.cfg.TempDir, id+".webm")
	fixedPath := filepath.Join(h.cfg.TempDir, id+"_fixed.mp4")
	finalName := id + ".mp4"

	size, err := writePart(fh, rawPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(rawPath)

	h.log.Info().Str("file", id+".webm").Int64("size", size).Msg("saved upload")

	if err := h.reencoder.Reencode(ctx, rawPath, fixedPath); err != nil {
		os.Remove(fixedPath)
		return "", fmt.Errorf("re-encode %s: %w", fh.Filename, err)
	}

	if err := os.Rename(fixedPath, filepath.Join(h.cfg.TempDir, finalName)); err != nil {
		os.Remove(fixedPath)
		return "", fmt.Errorf("failed to move re-encoded file: %w", err)
	}

	return finalName, nil
}

func writePart(fh *multipart.FileHeader, path string) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to save upload: %w", err)
	}

	return n, nil
}

// ServeVideo handles GET /video/{filename}
func (h *Handler) ServeVideo(w http.ResponseWriter, r *http.Request) {
	h.serveOutput(w, r)
}

// ServeThumbnail handles GET /thumbnail/{filename}
func (h *Handler) ServeThumbnail(w http.ResponseWriter, r *http.Request) {
	h.serveOutput(w, r)
}

func (h *Handler) serveOutput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusNotFound, "File not found")
		return
	}

	path := filepath.Join(h.cfg.OutputDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "File not found")
		return
	}

	http.ServeFile(w, r, path)
}

// GetRecord handles GET /v1/records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		respondError(w, http.StatusNotFound, "Record history is not enabled")
		return
	}

	record, err := h.records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get record")
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// ListRecords handles GET /v1/records
// Query params:
//   - limit: max results (default 20, max 100)
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		respondError(w, http.StatusNotFound, "Record history is not enabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, 100)
	}

	records, err := h.records.ListRecords(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list records")
		return
	}
	if records == nil {
		records = []models.Record{}
	}

	respondJSON(w, http.StatusOK, records)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "queue unreachable",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"queue":  stats,
	})
}
