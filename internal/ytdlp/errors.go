package ytdlp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound means no candidate command could be started.
	ErrToolNotFound = errors.New("yt-dlp not found (install yt-dlp or the yt_dlp python module)")
	// ErrOutputNotFound means the tool exited cleanly but no output file could be located.
	ErrOutputNotFound = errors.New("yt-dlp finished but the output file could not be located")
)

// ToolError reports a candidate that started but exited unsuccessfully.
type ToolError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// missingModule reports whether stderr shows the interpreter ran but the
// yt_dlp module is not installed.
func missingModule(stderr string) bool {
	return strings.Contains(stderr, "No module named") && strings.Contains(stderr, "yt_dlp")
}
