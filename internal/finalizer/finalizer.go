// Package finalizer turns provider-temporary result URLs into permanent
// artifacts: it downloads each one, persists it to durable storage and
// derives a gallery thumbnail. Partial failure is tolerated; losing every
// artifact is not.
package finalizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/metrics"
	"github.com/klyra-ai/genstudio/internal/storage"
)

// ErrNoArtifacts means not a single temporary URL could be stored durably.
// The job must fail: an unstored temporary URL is not a result.
var ErrNoArtifacts = errors.New("finalizer: no artifacts could be stored")

const maxArtifactBytes = 512 << 20

type Result struct {
	PermanentURLs []string
	ThumbnailURLs []string
	Failures      []ArtifactFailure
}

type ArtifactFailure struct {
	URL    string
	Reason string
}

type Options struct {
	// DownloadAttempts bounds retries per artifact. Timeouts grow per
	// attempt because provider URLs are often unavailable for a short
	// window right after generation.
	DownloadAttempts int
	DownloadTimeout  time.Duration

	ThumbnailSize     int
	ThumbnailQuality  int
	ThumbnailAttempts int
}

func (o *Options) fillDefaults() {
	if o.DownloadAttempts <= 0 {
		o.DownloadAttempts = 3
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 30 * time.Second
	}
	if o.ThumbnailSize <= 0 {
		o.ThumbnailSize = 512
	}
	if o.ThumbnailQuality <= 0 {
		o.ThumbnailQuality = 80
	}
	if o.ThumbnailAttempts <= 0 {
		o.ThumbnailAttempts = 2
	}
}

type Finalizer struct {
	store  storage.Storage
	client *http.Client
	opts   Options
}

func New(store storage.Storage, client *http.Client, opts Options) *Finalizer {
	opts.fillDefaults()
	if client == nil {
		client = &http.Client{}
	}
	return &Finalizer{
		store:  store,
		client: client,
		opts:   opts,
	}
}

// Finalize stores every reachable artifact and reports the rest as failures.
// It succeeds when at least one artifact was durably stored. Thumbnail
// failures degrade the gallery but never fail the artifact.
func (f *Finalizer) Finalize(ctx context.Context, tempURLs []string, ownerID, jobID uuid.UUID) (Result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	var result Result
	for i, tempURL := range tempURLs {
		data, contentType, err := f.download(ctx, tempURL)
		if err != nil {
			log.Warn("artifact download failed", "url", tempURL, "error", err)
			metrics.RecordArtifact("download_failed")
			result.Failures = append(result.Failures, ArtifactFailure{URL: tempURL, Reason: err.Error()})
			continue
		}

		key := artifactKey(ownerID, jobID, i, contentType, tempURL)
		if err := f.store.Upload(ctx, key, bytes.NewReader(data), contentType, int64(len(data))); err != nil {
			log.Error("artifact upload failed", "key", key, "error", err)
			metrics.RecordArtifact("upload_failed")
			result.Failures = append(result.Failures, ArtifactFailure{URL: tempURL, Reason: err.Error()})
			continue
		}

		result.PermanentURLs = append(result.PermanentURLs, f.store.PublicURL(key))
		metrics.RecordArtifact("stored")

		if thumbURL := f.makeThumbnail(ctx, data, contentType, ownerID, jobID, i); thumbURL != "" {
			result.ThumbnailURLs = append(result.ThumbnailURLs, thumbURL)
		}
	}

	if len(result.PermanentURLs) == 0 {
		return result, fmt.Errorf("%w: %d of %d downloads failed", ErrNoArtifacts, len(result.Failures), len(tempURLs))
	}

	log.Info("finalization complete",
		"stored", len(result.PermanentURLs),
		"thumbnails", len(result.ThumbnailURLs),
		"failed", len(result.Failures),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (f *Finalizer) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.DownloadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}

		// Grow the budget on each attempt: provider URLs regularly 404 or
		// stall for a few seconds right after the job finishes.
		timeout := f.opts.DownloadTimeout * time.Duration(attempt)
		data, contentType, err := f.downloadOnce(ctx, rawURL, timeout)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("after %d attempts: %w", f.opts.DownloadAttempts, lastErr)
}

func (f *Finalizer) downloadOnce(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty body")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	return data, contentType, nil
}

// makeThumbnail renders and stores a JPEG thumbnail with its own retry
// budget. Returns the permanent thumbnail URL, or "" when the artifact is not
// an image or every attempt failed.
func (f *Finalizer) makeThumbnail(ctx context.Context, data []byte, contentType string, ownerID, jobID uuid.UUID, index int) string {
	log := logger.FromContext(ctx)

	if !strings.HasPrefix(contentType, "image/") {
		return ""
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		log.Warn("thumbnail decode failed", "error", err)
		metrics.RecordThumbnail("decode_failed")
		return ""
	}

	thumb := imaging.Fit(img, f.opts.ThumbnailSize, f.opts.ThumbnailSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(f.opts.ThumbnailQuality)); err != nil {
		log.Warn("thumbnail encode failed", "error", err)
		metrics.RecordThumbnail("encode_failed")
		return ""
	}

	key := fmt.Sprintf("thumbs/%s/%s/%d.jpg", ownerID, jobID, index)
	for attempt := 1; attempt <= f.opts.ThumbnailAttempts; attempt++ {
		err := f.store.Upload(ctx, key, bytes.NewReader(buf.Bytes()), "image/jpeg", int64(buf.Len()))
		if err == nil {
			metrics.RecordThumbnail("stored")
			return f.store.PublicURL(key)
		}
		log.Warn("thumbnail upload failed", "key", key, "attempt", attempt, "error", err)
	}
	metrics.RecordThumbnail("upload_failed")
	return ""
}

func artifactKey(ownerID, jobID uuid.UUID, index int, contentType, rawURL string) string {
	return fmt.Sprintf("results/%s/%s/%d%s", ownerID, jobID, index, extensionFor(contentType, rawURL))
}

func extensionFor(contentType, rawURL string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	}

	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return ext
		}
	}

	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
