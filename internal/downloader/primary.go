package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kkdai/youtube/v2"
)

// Kind is the requested media kind.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Metadata is what the primary strategy learned about a video.
type Metadata struct {
	ID       string
	Title    string
	Author   string
	Duration time.Duration
	// Published is zero when the page did not carry a publish date.
	Published time.Time

	video *youtube.Video
}

// Stream is an open media byte stream. Size is -1 when unknown.
type Stream struct {
	Body     io.ReadCloser
	Size     int64
	MimeType string
}

// Primary is the in-process extraction strategy.
type Primary interface {
	FetchMetadata(ctx context.Context, url string) (Metadata, error)
	OpenStream(ctx context.Context, meta Metadata, kind Kind) (*Stream, error)
}

// YouTubePrimary extracts streams with github.com/kkdai/youtube.
type YouTubePrimary struct {
	client *youtube.Client
}

// NewYouTubePrimary returns a primary strategy whose HTTP requests carry
// browser headers and are retried on transient failures.
func NewYouTubePrimary(timeout time.Duration) *YouTubePrimary {
	return &YouTubePrimary{client: &youtube.Client{HTTPClient: newHTTPClient(timeout)}}
}

func (p *YouTubePrimary) FetchMetadata(ctx context.Context, url string) (Metadata, error) {
	video, err := p.client.GetVideoContext(ctx, url)
	if err != nil {
		return Metadata{}, wrapCategory(CategoryMetadata, fmt.Errorf("fetching metadata: %w", err))
	}
	return Metadata{
		ID:        video.ID,
		Title:     video.Title,
		Author:    video.Author,
		Duration:  video.Duration,
		Published: video.PublishDate,
		video:     video,
	}, nil
}

// Close drops pooled connections of the primary HTTP client.
func (p *YouTubePrimary) Close() {
	sharedTransport.CloseIdleConnections()
}

func (p *YouTubePrimary) OpenStream(ctx context.Context, meta Metadata, kind Kind) (*Stream, error) {
	if meta.video == nil {
		return nil, wrapCategory(CategoryStream, errors.New("metadata was not produced by this client"))
	}
	format, err := selectFormat(meta.video, kind == KindAudio)
	if err != nil {
		return nil, wrapCategory(CategoryStream, err)
	}
	body, size, err := p.client.GetStreamContext(ctx, meta.video, format)
	if err != nil {
		return nil, wrapCategory(CategoryStream, fmt.Errorf("opening stream (itag %d): %w", format.ItagNo, err))
	}
	if size <= 0 {
		size = format.ContentLength
	}
	if size <= 0 {
		size = -1
	}
	return &Stream{Body: body, Size: size, MimeType: format.MimeType}, nil
}
