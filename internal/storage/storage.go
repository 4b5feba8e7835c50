// Package storage turns composed files into the URLs published in results.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	uploadTimeout = 3 * time.Minute // Per attempt; long meetings produce large files

	uploadRetries  = 4
	retryWaitMin   = time.Second
	retryWaitLimit = 30 * time.Second
)

// Publisher exposes a composed video and its thumbnail and returns their URLs.
type Publisher interface {
	PublishVideo(ctx context.Context, localPath string) (string, error)
	PublishThumbnail(ctx context.Context, localPath string) (string, error)
}

// Local serves files straight from the output directory through the API's
// /video and /thumbnail routes.
type Local struct {
	baseURL string
}

func NewLocal(domainName string) *Local {
	return &Local{baseURL: strings.TrimRight(domainName, "/")}
}

func (l *Local) PublishVideo(_ context.Context, localPath string) (string, error) {
	return l.fileURL("video", localPath), nil
}

func (l *Local) PublishThumbnail(_ context.Context, localPath string) (string, error) {
	return l.fileURL("thumbnail", localPath), nil
}

func (l *Local) fileURL(route, localPath string) string {
	return fmt.Sprintf("%s/%s/%s", l.baseURL, route, url.PathEscape(filepath.Base(localPath)))
}

// Supabase uploads to Supabase Storage and returns public object URLs.
type Supabase struct {
	url    string
	Bucket string
	client *resty.Client
	log    zerolog.Logger
}

func NewSupabase(supabaseURL, serviceKey, bucket string, log zerolog.Logger) *Supabase {
	log = log.With().Str("component", "storage").Logger()

	client := resty.New().
		SetBaseURL(supabaseURL).
		SetAuthToken(serviceKey).
		SetTimeout(uploadTimeout).
		SetDisableWarn(true).
		SetRetryCount(uploadRetries).
		SetRetryWaitTime(retryWaitMin).
		SetRetryMaxWaitTime(retryWaitLimit).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return isRetryableError(err)
			}
			return isRetryableStatus(r.StatusCode())
		}).
		AddRetryHook(func(r *resty.Response, err error) {
			ev := log.Warn().Err(err)
			if r != nil {
				ev = ev.Int("status", r.StatusCode()).Str("body", truncate(r.String(), 200))
			}
			ev.Msg("upload attempt failed, retrying")
		})

	return &Supabase{
		url:    strings.TrimRight(supabaseURL, "/"),
		Bucket: bucket,
		client: client,
		log:    log,
	}
}

// Upload stores data at path, overwriting any existing object.
func (s *Supabase) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("x-upsert", "true").
		SetBody(data).
		Put(fmt.Sprintf("/storage/v1/object/%s/%s", s.Bucket, path))
	if err != nil {
		return fmt.Errorf("failed to upload: %w", err)
	}

	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	return nil
}

// UploadFile reads localPath into memory so every retry resends the full body.
func (s *Supabase) UploadFile(ctx context.Context, storagePath, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s for upload: %w", localPath, err)
	}

	return s.Upload(ctx, storagePath, data, contentType)
}

// GetPublicURL is the URL of path in a public bucket.
func (s *Supabase) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, path)
}

func (s *Supabase) PublishVideo(ctx context.Context, localPath string) (string, error) {
	return s.publish(ctx, "videos", localPath, "video/mp4")
}

func (s *Supabase) PublishThumbnail(ctx context.Context, localPath string) (string, error) {
	return s.publish(ctx, "thumbnails", localPath, "image/png")
}

func (s *Supabase) publish(ctx context.Context, prefix, localPath, contentType string) (string, error) {
	storagePath := prefix + "/" + filepath.Base(localPath)

	started := time.Now()
	if err := s.UploadFile(ctx, storagePath, localPath, contentType); err != nil {
		return "", err
	}
	s.log.Info().Str("path", storagePath).Dur("elapsed", time.Since(started)).Msg("uploaded")

	return s.GetPublicURL(storagePath), nil
}

// isRetryableError reports transport failures that a new attempt may cure.
// Cancellation by the caller is never retried.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
		return false
	}
	return status >= http.StatusInternalServerError
}

// truncate shortens response bodies for log lines.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
