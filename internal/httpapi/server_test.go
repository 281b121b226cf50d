package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/soakring/internal/analyzer"
	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/metrics"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	soak := metrics.NewSoak("test", "kraken", "shadow")
	soak.ObserveIteration("BTCUSD", 3.3, 0.39, 0.89)
	return New(DefaultConfig(dir), soak), dir
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "soak_net_bps")
	assert.Contains(t, rec.Body.String(), `symbol="BTCUSD"`)
}

func TestSnapshotEndpoint(t *testing.T) {
	s, dir := newTestServer(t)

	rec := get(t, s, "/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code, "404 until the analyzer ran")

	snap := &analyzer.Snapshot{RunID: "run-1", Verdict: analyzer.VerdictReady}
	require.NoError(t, atomicio.WriteJSONAtomic(filepath.Join(dir, analyzer.SnapshotFile), snap))

	rec = get(t, s, "/snapshot")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"verdict":"READY"`)
}

func TestSummaryEndpoint(t *testing.T) {
	s, dir := newTestServer(t)

	summary := &orchestrator.IterSummary{Iteration: 3, RunID: "run-1", SkipReason: orchestrator.SkipNoDeltas}
	require.NoError(t, atomicio.WriteJSONAtomic(orchestrator.SummaryPath(dir, 3), summary))

	rec := get(t, s, "/summary/3")
	require.Equal(t, http.StatusOK, rec.Code)
	var got orchestrator.IterSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Iteration)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/summary/99").Code)
}
