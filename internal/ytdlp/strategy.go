// Package ytdlp runs yt-dlp as a fallback downloader and locates its output.
package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lvcoi/tubefetch/internal/log"
	"github.com/lvcoi/tubefetch/internal/metrics"
	"github.com/lvcoi/tubefetch/internal/progress"
)

const stderrTailBytes = 4096

// Request describes one fallback download.
type Request struct {
	URL         string
	AudioOnly   bool
	BitrateKbps int
	JobID       string
}

// Result is the located output of a successful run.
type Result struct {
	Path      string
	Filename  string
	Candidate string
}

// Strategy downloads through the first candidate that can be started.
type Strategy struct {
	OutputDir      string
	FFmpegLocation string
	Candidates     []Candidate
	Launcher       Launcher
	Registry       *progress.Registry
	Slack          time.Duration

	now func() time.Time
}

// New returns a Strategy using DefaultCandidates and real processes.
func New(outputDir, ffmpegLocation string, registry *progress.Registry) *Strategy {
	if abs, err := filepath.Abs(outputDir); err == nil {
		outputDir = abs
	}
	return &Strategy{
		OutputDir:      outputDir,
		FFmpegLocation: ffmpegLocation,
		Candidates:     DefaultCandidates,
		Launcher:       ExecLauncher{},
		Registry:       registry,
		Slack:          DefaultSlack,
	}
}

// Download runs the candidates in order. A candidate that cannot be found
// moves on to the next; any other failure stops the search.
func (s *Strategy) Download(ctx context.Context, req Request) (Result, error) {
	logger := log.WithContext(ctx, log.WithComponent("ytdlp"))
	candidates := s.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	args := BuildArgs(req.URL, Options{
		OutputDir:      s.OutputDir,
		AudioOnly:      req.AudioOnly,
		BitrateKbps:    req.BitrateKbps,
		FFmpegLocation: s.FFmpegLocation,
	})

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := s.run(ctx, c, args, req)
		switch {
		case err == nil:
			metrics.RecordFallbackAttempt(c.Name, "ok")
			logger.Info().Str("candidate", c.String()).Str("path", res.Path).Msg("fallback download finished")
			return res, nil
		case errors.Is(err, ErrToolNotFound):
			metrics.RecordFallbackAttempt(c.Name, "not_found")
			logger.Debug().Str("candidate", c.String()).Msg("candidate not available")
			continue
		default:
			metrics.RecordFallbackAttempt(c.Name, "failed")
			logger.Warn().Err(err).Str("candidate", c.String()).Msg("fallback download failed")
			return Result{}, err
		}
	}
	return Result{}, ErrToolNotFound
}

func (s *Strategy) run(ctx context.Context, c Candidate, args []string, req Request) (Result, error) {
	full := append(append([]string(nil), c.Prefix...), args...)
	started := s.clock()

	proc, err := s.Launcher.Start(ctx, c.Name, full)
	if err != nil {
		return Result{}, err
	}

	var stdoutLines []string
	tail := &tailBuffer{limit: stderrTailBytes}
	var g errgroup.Group
	g.Go(func() error {
		sc := newScanner(proc.Stdout())
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				stdoutLines = append(stdoutLines, line)
			}
		}
		return sc.Err()
	})
	g.Go(func() error {
		sc := newScanner(proc.Stderr())
		for sc.Scan() {
			line := sc.Text()
			tail.WriteLine(line)
			s.report(req.JobID, line)
		}
		return sc.Err()
	})
	readErr := g.Wait()
	waitErr := proc.Wait()

	stderr := tail.String()
	if missingModule(stderr) {
		return Result{}, fmt.Errorf("%s: %w", c, ErrToolNotFound)
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		code := -1
		var ec interface{ ExitCode() int }
		if errors.As(waitErr, &ec) {
			code = ec.ExitCode()
		}
		return Result{}, &ToolError{Command: c.String(), ExitCode: code, Stderr: stderr}
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		logger := log.WithContext(ctx, log.WithComponent("ytdlp"))
		logger.Debug().Err(readErr).Msg("reading tool output")
	}

	loc := Locator{Dir: s.OutputDir, Slack: s.Slack}
	path, err := loc.Locate(stdoutLines, Extension(req.AudioOnly), started)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path, Filename: filepath.Base(path), Candidate: c.String()}, nil
}

func (s *Strategy) report(jobID, line string) {
	if s.Registry == nil || jobID == "" {
		return
	}
	if pct, eta, ok := ParseProgress(line); ok {
		s.Registry.Merge(jobID, progress.SetStatus(progress.StatusDownloading), progress.SetPercent(pct), progress.SetETA(eta))
		return
	}
	s.Registry.Merge(jobID, progress.SetStatus(progress.StatusDownloading))
}

func (s *Strategy) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLinesOrCR)
	return sc
}

// scanLinesOrCR splits on \n and \r so carriage-return progress redraws
// arrive as separate lines.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) WriteLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
