package ytdlp

import (
	"regexp"
	"strconv"
)

// Matches lines like "[download]  42.3% of 10.00MiB at 1.00MiB/s ETA 00:06"
// and the hour form "ETA 1:02:03".
var progressLine = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%.*?ETA\s+(?:(\d{1,2}):)?(\d{2}):(\d{2})`)

// ParseProgress extracts percent and ETA seconds from one yt-dlp output line.
func ParseProgress(line string) (percent float64, etaSeconds int, ok bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	p, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	hours := 0
	if m[2] != "" {
		hours, _ = strconv.Atoi(m[2])
	}
	minutes, _ := strconv.Atoi(m[3])
	seconds, _ := strconv.Atoi(m[4])
	return p, hours*3600 + minutes*60 + seconds, true
}
