package transcode

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
)

// Location is a resolved ffmpeg binary. Bundled is true when the binary came
// from configuration or a tools directory rather than PATH, in which case it
// should also be handed to yt-dlp.
type Location struct {
	Path    string
	Bundled bool
}

// Locate picks configured if set, else tools/ffmpeg*/bin/ffmpeg under dir,
// else ffmpeg from PATH. An empty Path means nothing was found.
func Locate(configured, dir string) Location {
	if configured != "" {
		return Location{Path: configured, Bundled: true}
	}
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name = "ffmpeg.exe"
	}
	if dir != "" {
		matches, _ := filepath.Glob(filepath.Join(dir, "tools", "ffmpeg*", "bin", name))
		sort.Strings(matches)
		for i := len(matches) - 1; i >= 0; i-- {
			if info, err := os.Stat(matches[i]); err == nil && info.Mode().IsRegular() {
				return Location{Path: matches[i], Bundled: true}
			}
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return Location{Path: p}
	}
	return Location{}
}
