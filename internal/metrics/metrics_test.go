package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvcoi/tubefetch/internal/metrics"
)

func TestCollectorsAreExposed(t *testing.T) {
	metrics.ObserveJob("video", "primary", true, 2*time.Second)
	metrics.ObserveJob("audio", "fallback", false, time.Second)
	metrics.RecordFallbackAttempt("yt-dlp", "not_found")
	metrics.RecordUpload("s3", true)
	metrics.ActiveJobs.Set(3)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	for _, want := range []string{
		`tubefetch_jobs_total{kind="video",result="success",strategy="primary"}`,
		`tubefetch_jobs_total{kind="audio",result="failure",strategy="fallback"}`,
		`tubefetch_fallback_attempts_total{candidate="yt-dlp",outcome="not_found"}`,
		`tubefetch_uploads_total{backend="s3",result="success"}`,
		`tubefetch_active_jobs 3`,
		`tubefetch_job_duration_seconds_bucket`,
	} {
		assert.True(t, strings.Contains(out, want), "missing %s", want)
	}
}
