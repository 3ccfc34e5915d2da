package ytdlp

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSlack tolerates coarse filesystem timestamps when scanning for
// files written after a run started.
const DefaultSlack = time.Second

// Locator finds the file produced by a yt-dlp run inside Dir.
type Locator struct {
	Dir   string
	Slack time.Duration
}

// Locate prefers the last printed path that lies in Dir and exists. Failing
// that, it returns the newest file with extension ext modified no earlier
// than startedAt minus Slack.
func (l Locator) Locate(lines []string, ext string, startedAt time.Time) (string, error) {
	if path, ok := l.fromLines(lines); ok {
		return path, nil
	}
	if path, ok := l.newest(ext, startedAt); ok {
		return path, nil
	}
	return "", ErrOutputNotFound
}

func (l Locator) fromLines(lines []string) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		candidate := filepath.Clean(line)
		if !within(l.Dir, candidate) {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// within reports whether path lies below dir. Case is ignored so printed
// paths match on case-insensitive filesystems.
func within(dir, path string) bool {
	rel, err := filepath.Rel(strings.ToLower(filepath.Clean(dir)), strings.ToLower(path))
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (l Locator) newest(ext string, startedAt time.Time) (string, bool) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return "", false
	}
	slack := l.Slack
	if slack == 0 {
		slack = DefaultSlack
	}
	cutoff := startedAt.Add(-slack)
	ext = strings.ToLower(ext)

	var best string
	var bestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(cutoff) {
			continue
		}
		if best == "" || mod.After(bestMod) {
			best = filepath.Join(l.Dir, entry.Name())
			bestMod = mod
		}
	}
	return best, best != ""
}
