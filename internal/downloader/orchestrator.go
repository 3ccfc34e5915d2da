package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lvcoi/tubefetch/internal/log"
	"github.com/lvcoi/tubefetch/internal/metrics"
	"github.com/lvcoi/tubefetch/internal/progress"
	"github.com/lvcoi/tubefetch/internal/storage"
	"github.com/lvcoi/tubefetch/internal/transcode"
	"github.com/lvcoi/tubefetch/internal/ytdlp"
)

const (
	StrategyPrimary  = "primary"
	StrategyFallback = "fallback"

	partialSuffix = ".part"
)

// Job is one download request.
type Job struct {
	ID          string
	URL         string
	Kind        Kind
	BitrateKbps int
}

// Outcome describes a finished download. Both strategies produce the same shape.
type Outcome struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Strategy string `json:"-"`
}

// ConvertRequest asks for an existing file in the output directory to be
// re-encoded as MP3.
type ConvertRequest struct {
	Path        string
	BitrateKbps int
	JobID       string
}

// Options controls where and how output is written.
type Options struct {
	OutputDir   string
	KeepPartial bool
}

// Fallback is the external-tool strategy.
type Fallback interface {
	Download(ctx context.Context, req ytdlp.Request) (ytdlp.Result, error)
}

// Transcoder encodes audio to MP3.
type Transcoder interface {
	EncodeStream(ctx context.Context, src io.Reader, outPath string, bitrateKbps int) error
	EncodeFile(ctx context.Context, inPath, outPath string, bitrateKbps int) error
}

// Orchestrator runs the primary strategy and falls back to the external tool
// when any primary step fails.
type Orchestrator struct {
	Primary    Primary
	Fallback   Fallback
	Transcoder Transcoder
	Publisher  storage.Publisher
	Registry   *progress.Registry
	Options    Options

	now func() time.Time
}

// New wires an Orchestrator. A nil publisher serves files locally and a nil
// registry is replaced by a private one. OutputDir is made absolute so
// outcomes always carry absolute paths.
func New(opts Options, primary Primary, fallback Fallback, transcoder Transcoder, publisher storage.Publisher, registry *progress.Registry) *Orchestrator {
	if publisher == nil {
		publisher = storage.Local{}
	}
	if registry == nil {
		registry = progress.New(progress.Options{})
	}
	if abs, err := filepath.Abs(opts.OutputDir); err == nil {
		opts.OutputDir = abs
	}
	return &Orchestrator{
		Primary:    primary,
		Fallback:   fallback,
		Transcoder: transcoder,
		Publisher:  publisher,
		Registry:   registry,
		Options:    opts,
	}
}

// Execute downloads job.URL. An invalid URL is rejected before any progress
// is recorded; every other failure is reported through the registry.
func (o *Orchestrator) Execute(ctx context.Context, job Job) (Outcome, error) {
	_, videoID, err := ValidateURL(job.URL)
	if err != nil {
		return Outcome{}, err
	}
	url := WatchURL(videoID)
	if job.Kind == "" {
		job.Kind = KindVideo
	}
	if job.BitrateKbps <= 0 {
		job.BitrateKbps = transcode.DefaultBitrateKbps
	}

	ctx = log.ContextWithJobID(ctx, job.ID)
	logger := log.WithContext(ctx, log.WithComponent("orchestrator"))
	start := o.clock()
	o.Registry.Init(job.ID)
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	logger.Info().Str("url", url).Str("kind", string(job.Kind)).Msg("download started")

	strategy := StrategyPrimary
	path, primaryErr := o.runPrimary(ctx, job, url, videoID, start)
	if primaryErr != nil {
		if ctx.Err() != nil {
			err := wrapCategory(CategoryCanceled, ctx.Err())
			o.fail(job, strategy, start, err)
			return Outcome{}, err
		}
		logger.Warn().Err(primaryErr).Str("category", string(CategoryOf(primaryErr))).Msg("primary download failed, trying fallback")

		strategy = StrategyFallback
		res, fallbackErr := o.runFallback(ctx, ytdlp.Request{
			URL:         url,
			AudioOnly:   job.Kind == KindAudio,
			BitrateKbps: job.BitrateKbps,
			JobID:       job.ID,
		})
		if fallbackErr != nil {
			failed := &FailedError{Primary: primaryErr, Fallback: fallbackErr}
			o.fail(job, strategy, start, failed)
			logger.Error().Err(failed).Str("category", string(CategoryOf(failed))).Msg("download failed")
			return Outcome{}, failed
		}
		path = res.Path
	}

	filename := filepath.Base(path)
	fileURL := o.Publisher.Publish(ctx, path, filename)
	o.Registry.Finish(job.ID, true, progress.Details{File: filename})
	metrics.ObserveJob(string(job.Kind), strategy, true, o.clock().Sub(start))
	logger.Info().Str("strategy", strategy).Str("file", filename).Msg("download finished")

	return Outcome{Path: path, Filename: filename, URL: fileURL, Strategy: strategy}, nil
}

func (o *Orchestrator) runFallback(ctx context.Context, req ytdlp.Request) (ytdlp.Result, error) {
	if o.Fallback == nil {
		return ytdlp.Result{}, ytdlp.ErrToolNotFound
	}
	return o.Fallback.Download(ctx, req)
}

// runPrimary streams the media in-process. It returns the final path or an
// error categorized by the step that failed.
func (o *Orchestrator) runPrimary(ctx context.Context, job Job, url, videoID string, start time.Time) (string, error) {
	if o.Primary == nil {
		return "", wrapCategory(CategoryMetadata, errors.New("primary strategy not configured"))
	}
	meta, err := o.Primary.FetchMetadata(ctx, url)
	if err != nil {
		return "", wrapCategory(CategoryMetadata, err)
	}
	if meta.ID == "" {
		meta.ID = videoID
	}

	stream, err := o.Primary.OpenStream(ctx, meta, job.Kind)
	if err != nil {
		return "", wrapCategory(CategoryStream, err)
	}
	defer stream.Body.Close()

	audio := job.Kind == KindAudio
	ext := ".mp4"
	if audio {
		ext = ".mp3"
	} else if mt := mimeToExt(stream.MimeType); mt != "bin" {
		ext = "." + mt
	}
	outPath, err := safeOutputPath(OutputName(meta.Title, meta.ID, ext), o.Options.OutputDir)
	if err != nil {
		return "", wrapCategory(CategoryWrite, err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", wrapCategory(CategoryWrite, fmt.Errorf("creating output directory: %w", err))
	}

	partial := outPath + partialSuffix
	body := newProgressReader(ctx, stream.Body, stream.Size, registryObserver(o.Registry, job.ID, start, o.clock))
	if audio {
		err = o.encode(ctx, body, partial, job.BitrateKbps)
	} else {
		err = writeFile(partial, body)
	}
	if err != nil {
		o.removePartial(ctx, partial)
		return "", err
	}
	if err := os.Rename(partial, outPath); err != nil {
		o.removePartial(ctx, partial)
		return "", wrapCategory(CategoryWrite, fmt.Errorf("finalizing output: %w", err))
	}

	if audio {
		tags := transcode.Tags{Title: meta.Title, Artist: meta.Author}
		if !meta.Published.IsZero() {
			tags.Year = meta.Published.Year()
		}
		if err := transcode.TagMP3(outPath, tags); err != nil {
			logger := log.WithContext(ctx, log.WithComponent("orchestrator"))
			logger.Debug().Err(err).Msg("tagging mp3 failed")
		}
	}
	return outPath, nil
}

func (o *Orchestrator) encode(ctx context.Context, body *progressReader, outPath string, kbps int) error {
	if o.Transcoder == nil {
		return wrapCategory(CategoryTranscode, errors.New("transcoder not configured"))
	}
	if err := o.Transcoder.EncodeStream(ctx, body, outPath, kbps); err != nil {
		if body.err != nil {
			return wrapCategory(CategoryStream, fmt.Errorf("reading stream: %w", body.err))
		}
		return wrapCategory(CategoryTranscode, err)
	}
	return nil
}

func writeFile(path string, body *progressReader) error {
	file, err := os.Create(path)
	if err != nil {
		return wrapCategory(CategoryWrite, fmt.Errorf("opening output file: %w", err))
	}
	_, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	switch {
	case body.err != nil:
		return wrapCategory(CategoryStream, fmt.Errorf("reading stream: %w", body.err))
	case copyErr != nil:
		return wrapCategory(CategoryWrite, fmt.Errorf("writing output: %w", copyErr))
	case closeErr != nil:
		return wrapCategory(CategoryWrite, fmt.Errorf("closing output: %w", closeErr))
	}
	return nil
}

func (o *Orchestrator) removePartial(ctx context.Context, path string) {
	if o.Options.KeepPartial {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger := log.WithContext(ctx, log.WithComponent("orchestrator"))
		logger.Warn().Err(err).Str("path", path).Msg("removing partial output failed")
	}
}

// Convert re-encodes a file that already lives in the output directory.
func (o *Orchestrator) Convert(ctx context.Context, req ConvertRequest) (Outcome, error) {
	inPath, err := o.resolveInput(req.Path)
	if err != nil {
		return Outcome{}, err
	}
	if req.BitrateKbps <= 0 {
		req.BitrateKbps = transcode.DefaultBitrateKbps
	}
	outPath := strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".mp3"
	if outPath == inPath {
		outPath = strings.TrimSuffix(inPath, ".mp3") + fmt.Sprintf("-%dk.mp3", req.BitrateKbps)
	}

	ctx = log.ContextWithJobID(ctx, req.JobID)
	logger := log.WithContext(ctx, log.WithComponent("orchestrator"))
	start := o.clock()
	o.Registry.Init(req.JobID)
	o.Registry.Merge(req.JobID, progress.SetStatus(progress.StatusDownloading))

	if o.Transcoder == nil {
		err = wrapCategory(CategoryTranscode, errors.New("transcoder not configured"))
	} else if err = o.Transcoder.EncodeFile(ctx, inPath, outPath, req.BitrateKbps); err != nil {
		err = wrapCategory(CategoryTranscode, err)
	}
	if err != nil {
		o.Registry.Finish(req.JobID, false, progress.Details{Error: err.Error()})
		metrics.ObserveJob("convert", StrategyPrimary, false, o.clock().Sub(start))
		logger.Error().Err(err).Str("file", inPath).Msg("convert failed")
		return Outcome{}, err
	}

	filename := filepath.Base(outPath)
	fileURL := o.Publisher.Publish(ctx, outPath, filename)
	o.Registry.Finish(req.JobID, true, progress.Details{File: filename})
	metrics.ObserveJob("convert", StrategyPrimary, true, o.clock().Sub(start))
	logger.Info().Str("file", filename).Msg("convert finished")
	return Outcome{Path: outPath, Filename: filename, URL: fileURL, Strategy: StrategyPrimary}, nil
}

// resolveInput confines p to the output directory. Absolute paths are
// accepted when they point inside it.
func (o *Orchestrator) resolveInput(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", wrapCategory(CategoryInvalidInput, errors.New("file is required"))
	}
	rel := p
	if filepath.IsAbs(p) {
		base, err := filepath.Abs(o.Options.OutputDir)
		if err != nil {
			return "", wrapCategory(CategoryInvalidInput, err)
		}
		if rel, err = filepath.Rel(base, p); err != nil {
			return "", wrapCategory(CategoryInvalidInput, err)
		}
	}
	resolved, err := safeOutputPath(rel, o.Options.OutputDir)
	if err != nil {
		return "", wrapCategory(CategoryInvalidInput, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "", wrapCategory(CategoryInvalidInput, errors.New("file not found"))
	}
	return resolved, nil
}

// Close releases pooled connections held by the primary strategy and the
// publisher's client, when they have any.
func (o *Orchestrator) Close() {
	for _, v := range []any{o.Primary, o.Publisher} {
		if c, ok := v.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (o *Orchestrator) fail(job Job, strategy string, start time.Time, err error) {
	o.Registry.Finish(job.ID, false, progress.Details{Error: err.Error()})
	metrics.ObserveJob(string(job.Kind), strategy, false, o.clock().Sub(start))
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}
