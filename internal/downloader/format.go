package downloader

import (
	"errors"

	"github.com/kkdai/youtube/v2"
)

var errNoFormat = errors.New("no suitable format")

// selectFormat picks the best progressive (audio+video) format by height then
// bitrate, or with audioOnly the audio-only format with the highest bitrate.
func selectFormat(video *youtube.Video, audioOnly bool) (*youtube.Format, error) {
	var best *youtube.Format
	for i := range video.Formats {
		f := &video.Formats[i]
		if audioOnly {
			if f.AudioChannels == 0 || f.Width != 0 || f.Height != 0 {
				continue
			}
			if best == nil || bitrateForFormat(f) > bitrateForFormat(best) {
				best = f
			}
			continue
		}
		if f.AudioChannels == 0 || f.Width == 0 || f.Height == 0 {
			continue
		}
		if best == nil || betterVideoFormat(f, best) {
			best = f
		}
	}
	if best == nil && audioOnly {
		// Progressive formats still carry audio for the transcoder.
		return selectFormat(video, false)
	}
	if best == nil {
		return nil, errNoFormat
	}
	return best, nil
}

func betterVideoFormat(candidate, current *youtube.Format) bool {
	if candidate.Height != current.Height {
		return candidate.Height > current.Height
	}
	return bitrateForFormat(candidate) > bitrateForFormat(current)
}
