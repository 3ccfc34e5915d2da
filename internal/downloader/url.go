package downloader

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateURL checks that raw looks like a single-video YouTube URL and
// returns the normalized form together with the video id.
func ValidateURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", wrapCategory(CategoryInvalidURL, errors.New("url is required"))
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", wrapCategory(CategoryInvalidURL, fmt.Errorf("invalid URL: %w", err))
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", wrapCategory(CategoryInvalidURL, fmt.Errorf("invalid URL: missing scheme or host"))
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return "", "", wrapCategory(CategoryInvalidURL, fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme))
	}
	if !isYouTubeHost(normalizeHostname(parsed)) {
		return "", "", wrapCategory(CategoryInvalidURL, fmt.Errorf("unsupported host: %s", parsed.Hostname()))
	}
	id := videoIDFromURL(parsed)
	if id == "" {
		return "", "", wrapCategory(CategoryInvalidURL, errors.New("invalid URL: no video id"))
	}
	return parsed.String(), id, nil
}

func isYouTubeHost(host string) bool {
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be", "youtube-nocookie.com":
		return true
	}
	return false
}

// normalizeHostname returns the normalized hostname from a URL:
// lowercase, with "www." prefix removed, and port stripped.
func normalizeHostname(parsed *url.URL) string {
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func videoIDFromURL(parsed *url.URL) string {
	host := normalizeHostname(parsed)
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")

	var id string
	switch {
	case host == "youtu.be":
		id = parts[0]
	case len(parts) >= 2 && (parts[0] == "shorts" || parts[0] == "live" || parts[0] == "embed" || parts[0] == "v"):
		id = parts[1]
	default:
		id = parsed.Query().Get("v")
	}
	if !videoIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// WatchURL is the canonical watch URL for id. Both strategies receive it
// whatever form (youtu.be, shorts, live, music, embed) the caller used.
func WatchURL(id string) string {
	if id == "" {
		return ""
	}
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(id)
}
