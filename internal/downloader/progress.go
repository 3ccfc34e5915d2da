package downloader

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/lvcoi/tubefetch/internal/progress"
)

const progressInterval = 200 * time.Millisecond

// progressReader counts bytes as they are read and reports (downloaded,
// total) to observe, at most once per progressInterval plus once at EOF.
// err keeps the first read failure so callers can tell a broken stream from
// a failing writer.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	err      error
	total    int64
	read     int64
	observe  func(downloaded, total int64)
	throttle rate.Sometimes
}

func newProgressReader(ctx context.Context, r io.Reader, total int64, observe func(downloaded, total int64)) *progressReader {
	return &progressReader{
		ctx:      ctx,
		r:        r,
		total:    total,
		observe:  observe,
		throttle: rate.Sometimes{First: 1, Interval: progressInterval},
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		p.err = err
		return 0, err
	}
	n, err := p.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) && p.err == nil {
		p.err = err
	}
	if n > 0 {
		p.read += int64(n)
		p.throttle.Do(p.emit)
	}
	if err == io.EOF {
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	if p.observe != nil {
		p.observe(p.read, p.total)
	}
}

// computeProgress turns byte counts into a percentage and an ETA in seconds.
// ok is false when total is unknown. eta is nil while nothing has arrived.
func computeProgress(downloaded, total int64, elapsed time.Duration) (percent float64, eta *int, ok bool) {
	if total <= 0 {
		return 0, nil, false
	}
	percent = float64(downloaded) / float64(total) * 100
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	speed := float64(downloaded) / elapsed.Seconds()
	if speed <= 0 {
		return percent, nil, true
	}
	remaining := total - downloaded
	if remaining < 0 {
		remaining = 0
	}
	secs := int(math.Round(float64(remaining) / speed))
	return percent, &secs, true
}

// registryObserver merges primary download progress for id into reg.
func registryObserver(reg *progress.Registry, id string, start time.Time, now func() time.Time) func(downloaded, total int64) {
	return func(downloaded, total int64) {
		if reg == nil || id == "" {
			return
		}
		percent, eta, ok := computeProgress(downloaded, total, now().Sub(start))
		if !ok {
			reg.Merge(id, progress.SetStatus(progress.StatusDownloading))
			return
		}
		etaPatch := progress.ClearETA()
		if eta != nil {
			etaPatch = progress.SetETA(*eta)
		}
		reg.Merge(id, progress.SetStatus(progress.StatusDownloading), progress.SetPercent(percent), etaPatch)
	}
}
