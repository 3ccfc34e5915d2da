// Package transcode encodes audio to MP3 with ffmpeg and tags the result.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/lvcoi/tubefetch/internal/log"
)

const (
	DefaultBitrateKbps = 192
	stderrTailBytes    = 2048
)

// ErrFFmpegNotFound is returned when the ffmpeg binary cannot be started.
var ErrFFmpegNotFound = errors.New("ffmpeg not found")

// FFmpeg encodes through an external ffmpeg binary.
type FFmpeg struct {
	Bin string
}

// New returns an FFmpeg using bin, or "ffmpeg" from PATH when bin is empty.
func New(bin string) *FFmpeg {
	return &FFmpeg{Bin: bin}
}

func (f *FFmpeg) bin() string {
	if f == nil || f.Bin == "" {
		return "ffmpeg"
	}
	return f.Bin
}

// EncodeStream reads media from src and writes an MP3 to outPath.
func (f *FFmpeg) EncodeStream(ctx context.Context, src io.Reader, outPath string, bitrateKbps int) error {
	return f.run(ctx, mp3Args("pipe:", outPath, bitrateKbps), src)
}

// EncodeFile converts inPath to an MP3 at outPath.
func (f *FFmpeg) EncodeFile(ctx context.Context, inPath, outPath string, bitrateKbps int) error {
	if _, err := os.Stat(inPath); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	return f.run(ctx, mp3Args(inPath, outPath, bitrateKbps), nil)
}

func mp3Args(input, outPath string, bitrateKbps int) []string {
	if bitrateKbps <= 0 {
		bitrateKbps = DefaultBitrateKbps
	}
	return ffmpeg.Input(input).
		Output(outPath, ffmpeg.KwArgs{
			"vn":      "",
			"acodec":  "libmp3lame",
			"b:a":     fmt.Sprintf("%dk", bitrateKbps),
			"format":  "mp3",
			"threads": 0,
		}).
		OverWriteOutput().
		GetArgs()
}

func (f *FFmpeg) run(ctx context.Context, args []string, stdin io.Reader) error {
	logger := log.WithContext(ctx, log.WithComponent("transcode"))
	cmd := exec.CommandContext(ctx, f.bin(), args...)
	cmd.Stdin = stdin
	tail := &tailWriter{limit: stderrTailBytes}
	cmd.Stderr = tail

	logger.Debug().Str("bin", f.bin()).Strs("args", args).Msg("starting ffmpeg")
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", f.bin(), ErrFFmpegNotFound)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg canceled: %w", ctxErr)
		}
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
