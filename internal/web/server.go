// Package web serves the download API over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lvcoi/tubefetch/internal/downloader"
	"github.com/lvcoi/tubefetch/internal/log"
	"github.com/lvcoi/tubefetch/internal/progress"
	"github.com/lvcoi/tubefetch/internal/ws"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

const (
	defaultMediaListLimit = 200
	maxMediaListLimit     = 500
	defaultHeartbeat      = time.Second
	progressIDHeader      = "X-Progress-Id"
)

var audioMediaExtensions = map[string]struct{}{
	".aac":  {},
	".flac": {},
	".m4a":  {},
	".mp3":  {},
	".ogg":  {},
	".opus": {},
	".wav":  {},
}

// Executor runs downloads and conversions.
type Executor interface {
	Execute(ctx context.Context, job downloader.Job) (downloader.Outcome, error)
	Convert(ctx context.Context, req downloader.ConvertRequest) (downloader.Outcome, error)
}

// Options configures a Server.
type Options struct {
	OutputDir   string
	BitrateKbps int
	// Backend names the storage publisher, reported by /api/status.
	Backend string
	// Heartbeat is the SSE resend interval.
	Heartbeat time.Duration
	// Context bounds downloads and conversions started by requests. A client
	// disconnect does not cancel them; canceling Context does.
	Context context.Context
}

// Server holds the API handlers.
type Server struct {
	exec      Executor
	registry  *progress.Registry
	hub       *ws.Hub
	opts      Options
	startedAt time.Time
}

// New returns a Server. hub may be nil when websocket push is disabled.
func New(exec Executor, registry *progress.Registry, hub *ws.Hub, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.BitrateKbps <= 0 {
		opts.BitrateKbps = 192
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Server{
		exec:      exec,
		registry:  registry,
		hub:       hub,
		opts:      opts,
		startedAt: time.Now(),
	}
}

// DownloadRequest is the body of /api/download and /api/download-mp3.
type DownloadRequest struct {
	URL        string `json:"url"`
	Bitrate    int    `json:"bitrate,omitempty"`
	ProgressID string `json:"progressId,omitempty"`
}

// ConvertRequest is the body of /api/convert.
type ConvertRequest struct {
	File       string `json:"file"`
	Bitrate    int    `json:"bitrate,omitempty"`
	ProgressID string `json:"progressId,omitempty"`
}

// ErrorResponse is written for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type mediaItem struct {
	Title    string `json:"title"`
	Size     string `json:"size"`
	Date     string `json:"date"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type mediaListResponse struct {
	Items      []mediaItem `json:"items"`
	NextOffset *int        `json:"next_offset"`
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(withCORS)
	r.Use(withSecurityHeaders)

	r.Route("/api", func(r chi.Router) {
		r.Post("/download", s.handleDownload(downloader.KindVideo))
		r.Post("/download-mp3", s.handleDownload(downloader.KindAudio))
		r.Post("/convert", s.handleConvert)
		r.Get("/progress/{id}", s.handleProgressStream)
		r.Get("/progress/{id}/json", s.handleProgressJSON)
		r.Get("/status", s.handleStatus)
		r.Get("/media", s.handleMediaList)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
	r.Get("/downloads/*", s.handleFile)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// jobContext keeps the request's values but ends only with the server.
func (s *Server) jobContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.opts.Context, cancel)
	if s.opts.Context.Err() != nil {
		// AfterFunc fires on its own goroutine
		cancel()
	}
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) handleDownload(kind downloader.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DownloadRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeJSONError(w, err.status, err.message)
			return
		}
		if req.Bitrate < 0 {
			writeJSONError(w, http.StatusBadRequest, "bitrate must be positive")
			return
		}
		id := req.ProgressID
		if id == "" {
			id = uuid.NewString()
		}
		bitrate := req.Bitrate
		if bitrate == 0 {
			bitrate = s.opts.BitrateKbps
		}
		w.Header().Set(progressIDHeader, id)

		ctx, release := s.jobContext(r)
		defer release()
		out, err := s.exec.Execute(ctx, downloader.Job{
			ID:          id,
			URL:         req.URL,
			Kind:        kind,
			BitrateKbps: bitrate,
		})
		if err != nil {
			writeJSONError(w, downloader.HTTPStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	if req.Bitrate < 0 {
		writeJSONError(w, http.StatusBadRequest, "bitrate must be positive")
		return
	}
	if req.ProgressID != "" {
		w.Header().Set(progressIDHeader, req.ProgressID)
	}
	ctx, release := s.jobContext(r)
	defer release()
	out, err := s.exec.Convert(ctx, downloader.ConvertRequest{
		Path:        req.File,
		BitrateKbps: req.Bitrate,
		JobID:       req.ProgressID,
	})
	if err != nil {
		writeJSONError(w, downloader.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProgressStream pushes the snapshot of id on every change and at
// least once per heartbeat, until a terminal snapshot has been sent.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	updates, cancel := s.registry.Subscribe(id)
	defer cancel()
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	snap := s.registry.Snapshot(id)
	for {
		writeSSEEvent(w, flusher, enc, snap)
		if snap.Status.IsTerminal() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case snap = <-updates:
		case <-ticker.C:
			snap = s.registry.Snapshot(id)
		}
	}
}

func (s *Server) handleProgressJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.registry.Snapshot(chi.URLParam(r, "id")))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_downloads": s.registry.ActiveCount(),
		"tracked_jobs":     s.registry.Len(),
		"ws_clients":       clients,
		"storage":          s.opts.Backend,
		"uptime":           time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	// chi routes on RawPath when the escaping is not canonical.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(name)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid path")
			return
		}
		name = unescaped
	}
	fullPath, status, err := resolveMediaPath(s.opts.OutputDir, name)
	if err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, fullPath)
}

func (s *Server) handleMediaList(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := parseMediaListPagination(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	all, err := listMediaFiles(s.opts.OutputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusOK, mediaListResponse{Items: []mediaItem{}})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to read output directory")
		return
	}
	items, next := paginateMediaItems(all, offset, limit)
	writeJSON(w, http.StatusOK, mediaListResponse{Items: items, NextOffset: next})
}

// ListenAndServe serves handler on addr until ctx is canceled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	logger := log.WithComponent("web")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Downloads and progress streams outlive any fixed write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Msg("API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		return &requestError{http.StatusUnsupportedMediaType, "content type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, enc *json.Encoder, snap progress.Snapshot) {
	fmt.Fprintf(w, "data: ")
	_ = enc.Encode(snap)
	fmt.Fprintf(w, "\n")
	flusher.Flush()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// formatBytes formats a byte size into a human-readable string
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func parseMediaListPagination(r *http.Request) (offset int, limit int, err error) {
	limit = defaultMediaListLimit
	q := r.URL.Query()
	if raw := q.Get("offset"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid offset parameter")
		}
		offset = parsed
	}
	if raw := q.Get("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("invalid limit parameter")
		}
		if parsed > maxMediaListLimit {
			parsed = maxMediaListLimit
		}
		limit = parsed
	}
	return offset, limit, nil
}

// listMediaFiles lists finished outputs, newest first. Partial downloads
// are skipped.
func listMediaFiles(dir string) ([]mediaItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type enriched struct {
		item    mediaItem
		modTime time.Time
	}
	items := make([]enriched, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			logger := log.WithComponent("web")
			logger.Debug().Err(infoErr).Str("file", entry.Name()).Msg("skipping media entry")
			continue
		}
		name := info.Name()
		items = append(items, enriched{
			item: mediaItem{
				Title:    strings.TrimSuffix(name, filepath.Ext(name)),
				Size:     formatBytes(info.Size()),
				Date:     info.ModTime().Format("2006-01-02"),
				Type:     mediaTypeForExtension(filepath.Ext(name)),
				Filename: name,
				URL:      "/downloads/" + url.PathEscape(name),
			},
			modTime: info.ModTime(),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].modTime.Equal(items[j].modTime) {
			return items[i].item.Filename < items[j].item.Filename
		}
		return items[i].modTime.After(items[j].modTime)
	})

	out := make([]mediaItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.item)
	}
	return out, nil
}

func mediaTypeForExtension(ext string) string {
	if _, ok := audioMediaExtensions[strings.ToLower(ext)]; ok {
		return "audio"
	}
	return "video"
}

func paginateMediaItems(items []mediaItem, offset int, limit int) ([]mediaItem, *int) {
	total := len(items)
	if offset >= total {
		return []mediaItem{}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := append([]mediaItem(nil), items[offset:end]...)
	if end >= total {
		return page, nil
	}
	next := end
	return page, &next
}

func resolveMediaPath(mediaDir, reqPath string) (string, int, error) {
	cleaned := filepath.Clean(reqPath)
	if cleaned == "." || cleaned == "" {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}
	if strings.Contains(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}

	fullPath := filepath.Join(mediaDir, cleaned)
	realMediaDir, err := resolveRealPath(mediaDir)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("failed to resolve media directory")
	}
	realTargetPath, err := resolveRealPath(fullPath)
	if err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}
	rel, err := filepath.Rel(realMediaDir, realTargetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", http.StatusForbidden, fmt.Errorf("access denied")
	}
	return fullPath, 0, nil
}

func resolveRealPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	realPath, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return realPath, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(cleaned)
	if parent == cleaned {
		return "", err
	}

	realParent, parentErr := resolveRealPath(parent)
	if parentErr != nil {
		return "", parentErr
	}
	return filepath.Join(realParent, filepath.Base(cleaned)), nil
}
