package downloader

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kkdai/youtube/v2"
)

const maxTitleBytes = 150

var invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`)

// Sanitize makes title safe to use as a file name on any platform.
func Sanitize(title string) string {
	clean := invalidNameChars.ReplaceAllString(title, "_")
	clean = strings.TrimSpace(clean)
	// Windows rejects names ending in a dot or space.
	clean = strings.TrimRight(clean, ". ")
	if len(clean) > maxTitleBytes {
		cut := maxTitleBytes
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = strings.TrimRight(clean[:cut], ". ")
	}
	if clean == "" {
		return "video"
	}
	return clean
}

// OutputName is the file name used for a primary download.
func OutputName(title, videoID, ext string) string {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return Sanitize(title) + "-" + Sanitize(videoID) + ext
}

func mimeToExt(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	parts := strings.Split(mime, "/")
	if len(parts) == 2 {
		switch parts[1] {
		case "3gpp":
			return "3gp"
		default:
			return parts[1]
		}
	}
	return "bin"
}

func bitrateForFormat(f *youtube.Format) int {
	if f.Bitrate > 0 {
		return f.Bitrate
	}
	if f.AverageBitrate > 0 {
		return f.AverageBitrate
	}
	return 0
}

// safeOutputPath joins name onto baseDir and rejects anything that would
// escape it.
func safeOutputPath(name string, baseDir string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("absolute paths are not allowed in output directory %q", baseDir)
	}
	baseClean := filepath.Clean(baseDir)
	combined := filepath.Join(baseClean, cleaned)
	rel, err := filepath.Rel(baseClean, combined)
	if err != nil {
		return "", fmt.Errorf("resolve output path relative to %q: %w", baseClean, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path escapes output directory %q", baseClean)
	}
	return combined, nil
}
