package ytdlp

import (
	"path/filepath"
	"strconv"
)

// OutputTemplate is appended to the output directory; titles are truncated
// to 150 bytes and suffixed with the video id.
const OutputTemplate = "%(title).150B-%(id)s.%(ext)s"

const defaultBitrateKbps = 192

// Options selects what BuildArgs asks yt-dlp to produce.
type Options struct {
	OutputDir      string
	AudioOnly      bool
	BitrateKbps    int
	FFmpegLocation string
}

// BuildArgs returns the yt-dlp arguments for url. The final path is printed
// to stdout so the locator can find it.
func BuildArgs(url string, opts Options) []string {
	args := []string{
		"--no-playlist",
		"--restrict-filenames",
		"--newline",
		"--progress",
		"-o", filepath.Join(opts.OutputDir, OutputTemplate),
		"--print", "after_move:filepath",
		"--print", "filepath",
		"--print", "filename",
		// --print implies --simulate unless told otherwise.
		"--no-simulate",
	}
	if opts.FFmpegLocation != "" {
		args = append(args, "--ffmpeg-location", opts.FFmpegLocation)
	}
	if opts.AudioOnly {
		bitrate := opts.BitrateKbps
		if bitrate <= 0 {
			bitrate = defaultBitrateKbps
		}
		args = append(args,
			"-f", "bestaudio/best",
			"--extract-audio",
			"--audio-format", "mp3",
			"--audio-quality", strconv.Itoa(bitrate)+"K",
		)
	} else {
		args = append(args,
			"-f", "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/b",
			"--merge-output-format", "mp4",
		)
	}
	return append(args, url)
}

// Extension is the file extension yt-dlp is expected to produce.
func Extension(audioOnly bool) string {
	if audioOnly {
		return ".mp3"
	}
	return ".mp4"
}
