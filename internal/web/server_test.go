package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvcoi/tubefetch/internal/downloader"
	"github.com/lvcoi/tubefetch/internal/progress"
	"github.com/lvcoi/tubefetch/internal/ytdlp"
)

type fakeExecutor struct {
	mu       sync.Mutex
	jobs     []downloader.Job
	converts []downloader.ConvertRequest
	ctxErrs  []error
	outcome  downloader.Outcome
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, job downloader.Job) (downloader.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.outcome, f.err
}

func (f *fakeExecutor) Convert(ctx context.Context, req downloader.ConvertRequest) (downloader.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.converts = append(f.converts, req)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.outcome, f.err
}

func (f *fakeExecutor) lastJob(t *testing.T) downloader.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatalf("executor was not called")
	}
	return f.jobs[len(f.jobs)-1]
}

func newTestServer(t *testing.T, exec Executor) (*Server, *progress.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := progress.New(progress.Options{})
	srv := New(exec, reg, nil, Options{
		OutputDir: dir,
		Backend:   "local",
		Heartbeat: 20 * time.Millisecond,
	})
	return srv, reg, dir
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestDownloadReturnsOutcome(t *testing.T) {
	exec := &fakeExecutor{outcome: downloader.Outcome{
		Path:     "/tmp/out/clip-ABC.mp4",
		Filename: "clip-ABC.mp4",
		URL:      "/downloads/clip-ABC.mp4",
	}}
	srv, _, _ := newTestServer(t, exec)

	rec := postJSON(t, srv.Routes(), "/api/download", `{"url":"https://youtu.be/ABC","progressId":"p1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["filename"] != "clip-ABC.mp4" || got["url"] != "/downloads/clip-ABC.mp4" || got["path"] != "/tmp/out/clip-ABC.mp4" {
		t.Fatalf("unexpected outcome: %v", got)
	}
	if len(got) != 3 {
		t.Fatalf("expected exactly path, filename and url, got %v", got)
	}
	if rec.Header().Get(progressIDHeader) != "p1" {
		t.Fatalf("expected progress id header p1, got %q", rec.Header().Get(progressIDHeader))
	}

	job := exec.lastJob(t)
	if job.ID != "p1" || job.Kind != downloader.KindVideo || job.URL != "https://youtu.be/ABC" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestDownloadGeneratesProgressID(t *testing.T) {
	exec := &fakeExecutor{}
	srv, _, _ := newTestServer(t, exec)

	rec := postJSON(t, srv.Routes(), "/api/download", `{"url":"https://youtu.be/ABC"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	id := rec.Header().Get(progressIDHeader)
	if len(id) != 36 {
		t.Fatalf("expected generated uuid, got %q", id)
	}
	if exec.lastJob(t).ID != id {
		t.Fatalf("job id %q does not match header %q", exec.lastJob(t).ID, id)
	}
}

func TestDownloadMP3Bitrate(t *testing.T) {
	exec := &fakeExecutor{}
	srv, _, _ := newTestServer(t, exec)
	h := srv.Routes()

	postJSON(t, h, "/api/download-mp3", `{"url":"https://youtu.be/ABC"}`)
	job := exec.lastJob(t)
	if job.Kind != downloader.KindAudio || job.BitrateKbps != 192 {
		t.Fatalf("expected audio job at 192 kbps, got %+v", job)
	}

	postJSON(t, h, "/api/download-mp3", `{"url":"https://youtu.be/ABC","bitrate":320}`)
	if got := exec.lastJob(t).BitrateKbps; got != 320 {
		t.Fatalf("expected 320 kbps, got %d", got)
	}

	rec := postJSON(t, h, "/api/download-mp3", `{"url":"https://youtu.be/ABC","bitrate":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative bitrate, got %d", rec.Code)
	}
}

func TestDownloadErrorStatuses(t *testing.T) {
	_, _, invalidErr := downloader.ValidateURL("ftp://example.com/x")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid url", invalidErr, http.StatusBadRequest},
		{"tool unavailable", &downloader.FailedError{Primary: errors.New("no formats"), Fallback: ytdlp.ErrToolNotFound}, http.StatusServiceUnavailable},
		{"both failed", &downloader.FailedError{Primary: errors.New("no formats"), Fallback: &ytdlp.ToolError{Command: "yt-dlp", ExitCode: 1, Stderr: "ERROR: boom"}}, http.StatusInternalServerError},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, &fakeExecutor{err: tt.err})
			rec := postJSON(t, srv.Routes(), "/api/download", `{"url":"https://youtu.be/ABC"}`)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if msg := decodeError(t, rec); msg != tt.err.Error() {
				t.Fatalf("expected error %q, got %q", tt.err.Error(), msg)
			}
		})
	}
}

func TestDownloadRejectsBadBodies(t *testing.T) {
	exec := &fakeExecutor{}
	srv, _, _ := newTestServer(t, exec)
	h := srv.Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"url":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}

	if rec := postJSON(t, h, "/api/download", `{"urls":["x"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	if rec := postJSON(t, h, "/api/download", `{"url":"x"}{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for trailing data, got %d", rec.Code)
	}

	oversized := fmt.Sprintf(`{"url":"%s"}`, strings.Repeat("a", maxRequestBodyBytes+1))
	if rec := postJSON(t, h, "/api/download", oversized); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(exec.jobs) != 0 {
		t.Fatalf("executor should not run for rejected bodies")
	}
}

func TestClientDisconnectDoesNotCancelJobs(t *testing.T) {
	exec := &fakeExecutor{outcome: downloader.Outcome{Filename: "a.mp4"}}
	srv, _, _ := newTestServer(t, exec)
	routes := srv.Routes()

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	for _, tc := range []struct{ path, body string }{
		{"/api/download", `{"url":"https://youtu.be/ABC"}`},
		{"/api/convert", `{"file":"a.mp4"}`},
	} {
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)).WithContext(gone)
		req.Header.Set("Content-Type", "application/json")
		routes.ServeHTTP(httptest.NewRecorder(), req)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.ctxErrs) != 2 {
		t.Fatalf("expected 2 executor calls, got %d", len(exec.ctxErrs))
	}
	for i, err := range exec.ctxErrs {
		if err != nil {
			t.Fatalf("call %d saw canceled context: %v", i, err)
		}
	}
}

func TestServerContextCancelsJobs(t *testing.T) {
	exec := &fakeExecutor{err: context.Canceled}
	base, cancel := context.WithCancel(context.Background())
	cancel()
	srv := New(exec, progress.New(progress.Options{}), nil, Options{OutputDir: t.TempDir(), Context: base})

	postJSON(t, srv.Routes(), "/api/download", `{"url":"https://youtu.be/ABC"}`)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.ctxErrs) != 1 || !errors.Is(exec.ctxErrs[0], context.Canceled) {
		t.Fatalf("expected canceled job context, got %v", exec.ctxErrs)
	}
}

func TestConvertPassesRequest(t *testing.T) {
	exec := &fakeExecutor{outcome: downloader.Outcome{Filename: "a.mp3", URL: "/downloads/a.mp3"}}
	srv, _, _ := newTestServer(t, exec)

	rec := postJSON(t, srv.Routes(), "/api/convert", `{"file":"a.webm","bitrate":128,"progressId":"c1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(exec.converts) != 1 {
		t.Fatalf("expected one convert call, got %d", len(exec.converts))
	}
	got := exec.converts[0]
	if got.Path != "a.webm" || got.BitrateKbps != 128 || got.JobID != "c1" {
		t.Fatalf("unexpected convert request: %+v", got)
	}
}

func TestProgressJSONUnknown(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeExecutor{})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/nope/json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", rec.Header().Get("Cache-Control"))
	}
	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "unknown" || got["etaSeconds"] != nil {
		t.Fatalf("unexpected snapshot: %v", got)
	}
}

func TestProgressJSONReflectsRegistry(t *testing.T) {
	srv, reg, _ := newTestServer(t, &fakeExecutor{})
	reg.Init("job")
	reg.Merge("job", progress.SetStatus(progress.StatusDownloading), progress.SetPercent(25), progress.SetETA(3))

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/job/json", nil))
	var got progress.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != progress.StatusDownloading || got.Percent != 25 || got.ETASeconds == nil || *got.ETASeconds != 3 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) (progress.Snapshot, error) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return progress.Snapshot{}, err
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var snap progress.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		return snap, nil
	}
}

func TestProgressStreamEndsAfterTerminalSnapshot(t *testing.T) {
	srv, reg, _ := newTestServer(t, &fakeExecutor{})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	reg.Init("job")
	resp, err := http.Get(ts.URL + "/api/progress/job")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	first, err := readEvent(t, r)
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if first.Status != progress.StatusStarting {
		t.Fatalf("expected starting, got %q", first.Status)
	}

	reg.Finish("job", true, progress.Details{File: "clip.mp4"})
	for {
		snap, err := readEvent(t, r)
		if err != nil {
			t.Fatalf("stream ended before terminal event: %v", err)
		}
		if snap.Status == progress.StatusDone {
			if snap.File != "clip.mp4" || snap.Percent != 100 {
				t.Fatalf("unexpected terminal snapshot: %+v", snap)
			}
			break
		}
	}
	if _, err := readEvent(t, r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected stream to close after done, got %v", err)
	}
}

func TestProgressStreamHeartbeatForUnknownJob(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeExecutor{})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/progress/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for i := 0; i < 3; i++ {
		snap, err := readEvent(t, r)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if snap.Status != progress.StatusUnknown {
			t.Fatalf("expected unknown, got %q", snap.Status)
		}
	}
}

func TestServeDownloads(t *testing.T) {
	srv, _, dir := newTestServer(t, &fakeExecutor{})
	if err := os.WriteFile(filepath.Join(dir, "My Song.mp3"), []byte("audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := srv.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/My%20Song.mp3", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "audio" {
		t.Fatalf("expected file contents, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/..%2Fsecret.txt", nil))
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusForbidden {
		t.Fatalf("expected traversal to be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/missing.mp4", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResolveMediaPathRejectsInvalidAndSymlinkEscape(t *testing.T) {
	tmpDir := t.TempDir()
	mediaDir := filepath.Join(tmpDir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		t.Fatalf("mkdir media: %v", err)
	}

	validFile := filepath.Join(mediaDir, "song.mp3")
	if err := os.WriteFile(validFile, []byte("ok"), 0o644); err != nil {
		t.Fatalf("write valid file: %v", err)
	}

	resolved, status, err := resolveMediaPath(mediaDir, "song.mp3")
	if err != nil {
		t.Fatalf("expected valid media path, got error: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	if resolved != validFile {
		t.Fatalf("expected resolved path %q, got %q", validFile, resolved)
	}

	if _, status, err := resolveMediaPath(mediaDir, "../outside.txt"); err == nil || status != http.StatusBadRequest {
		t.Fatalf("expected bad request for traversal path")
	}

	outsidePath := filepath.Join(tmpDir, "outside.txt")
	if err := os.WriteFile(outsidePath, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	symlinkPath := filepath.Join(mediaDir, "escape.txt")
	if err := os.Symlink(outsidePath, symlinkPath); err == nil {
		if _, status, err := resolveMediaPath(mediaDir, "escape.txt"); err == nil || status != http.StatusForbidden {
			t.Fatalf("expected forbidden for symlink escape")
		}
	}
}

func TestMediaListPagination(t *testing.T) {
	srv, _, dir := newTestServer(t, &fakeExecutor{})
	now := time.Now()
	for i, name := range []string{"old.mp4", "mid.mp4", "new.mp3"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mod := now.Add(time.Duration(i-3) * time.Hour)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "busy.mp4.part"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	h := srv.Routes()

	get := func(query string) mediaListResponse {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/media?"+query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var page mediaListResponse
		if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return page
	}

	page1 := get("limit=2&offset=0")
	if len(page1.Items) != 2 || page1.Items[0].Filename != "new.mp3" {
		t.Fatalf("unexpected first page: %+v", page1.Items)
	}
	if page1.Items[0].Type != "audio" || page1.Items[1].Type != "video" {
		t.Fatalf("unexpected media types: %+v", page1.Items)
	}
	if page1.NextOffset == nil || *page1.NextOffset != 2 {
		t.Fatalf("expected next_offset=2, got %v", page1.NextOffset)
	}

	page2 := get("limit=2&offset=2")
	if len(page2.Items) != 1 || page2.Items[0].Filename != "old.mp4" || page2.NextOffset != nil {
		t.Fatalf("unexpected second page: %+v", page2)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/media?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	srv, reg, _ := newTestServer(t, &fakeExecutor{})
	reg.Init("a")
	h := srv.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var status map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["active_downloads"] != float64(1) || status["storage"] != "local" {
		t.Fatalf("unexpected status: %v", status)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %d", rec.Code)
	}
}

func TestSecurityAndCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeExecutor{})
	h := srv.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options":      "nosniff",
		"X-Frame-Options":             "DENY",
		"Referrer-Policy":             "no-referrer",
		"Access-Control-Allow-Origin": "*",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("expected %s=%q, got %q", header, want, got)
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/download", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
}

func TestMediaTypeForExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{ext: ".mp3", want: "audio"},
		{ext: ".OPUS", want: "audio"},
		{ext: ".m4a", want: "audio"},
		{ext: ".mp4", want: "video"},
		{ext: ".webm", want: "video"},
		{ext: ".unknown", want: "video"},
	}

	for _, tt := range tests {
		if got := mediaTypeForExtension(tt.ext); got != tt.want {
			t.Fatalf("mediaTypeForExtension(%q): expected %q, got %q", tt.ext, tt.want, got)
		}
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv, _, _ := newTestServer(t, &fakeExecutor{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ListenAndServe(ctx, addr, srv.Routes())
	}()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("server did not become ready in time")
		}
		resp, err := client.Get("http://" + addr + "/api/status")
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server shutdown")
	}
}
