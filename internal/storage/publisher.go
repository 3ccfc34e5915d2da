// Package storage turns finished downloads into client-facing URLs, optionally
// after uploading them to a remote object store.
package storage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/lvcoi/tubefetch/internal/config"
	"github.com/lvcoi/tubefetch/internal/log"
	"github.com/lvcoi/tubefetch/internal/metrics"
)

// KeyPrefix is prepended to every remote object key.
const KeyPrefix = "downloads/"

// DefaultRoute is where the HTTP server serves the output directory.
const DefaultRoute = "/downloads/"

// Publisher returns the URL a client should fetch filename from. It never
// fails; remote errors degrade to the local URL.
type Publisher interface {
	Publish(ctx context.Context, localPath, filename string) string
}

// Local serves files from the output directory under Route.
type Local struct {
	Route string
}

func (l Local) Publish(_ context.Context, _, filename string) string {
	route := l.Route
	if route == "" {
		route = DefaultRoute
	}
	if !strings.HasSuffix(route, "/") {
		route += "/"
	}
	return route + url.PathEscape(filename)
}

// ContentType maps a file name to the content type used for uploads.
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// putFunc uploads localPath to key with public-read access.
type putFunc func(ctx context.Context, localPath, key, contentType string) error

// remote is the shared upload-then-fallback flow of the object store backends.
type remote struct {
	backend  string
	put      putFunc
	baseURL  string
	cleanup  bool
	fallback Local
}

func (r *remote) Publish(ctx context.Context, localPath, filename string) string {
	logger := log.WithContext(ctx, log.WithComponent("storage")).With().
		Str("backend", r.backend).
		Str("file", filename).
		Logger()

	key := KeyPrefix + filename
	if err := r.put(ctx, localPath, key, ContentType(filename)); err != nil {
		metrics.RecordUpload(r.backend, false)
		logger.Warn().Err(err).Msg("remote upload failed, serving local file")
		return r.fallback.Publish(ctx, localPath, filename)
	}
	metrics.RecordUpload(r.backend, true)

	if r.cleanup {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("removing local copy after upload")
		}
	}
	u := strings.TrimSuffix(r.baseURL, "/") + "/" + KeyPrefix + url.PathEscape(filename)
	logger.Info().Str("url", u).Msg("uploaded")
	return u
}

// Backend names the publisher New would select for cfg.
func Backend(cfg config.Config) string {
	switch {
	case cfg.S3.Enabled():
		return "s3"
	case cfg.OBS.Enabled():
		return "obs"
	default:
		return "local"
	}
}

// New selects S3 when configured, else OBS when configured, else Local.
func New(cfg config.Config) (Publisher, error) {
	switch {
	case cfg.S3.Enabled():
		p, err := NewS3(cfg.S3, cfg.CleanupLocal)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		return p, nil
	case cfg.OBS.Enabled():
		p, err := NewOBS(cfg.OBS, cfg.CleanupLocal)
		if err != nil {
			return nil, fmt.Errorf("obs: %w", err)
		}
		return p, nil
	default:
		return Local{Route: DefaultRoute}, nil
	}
}
