package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	appconfig "github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/evaluate"
	"github.com/driftline/driftline/internal/pipeline"
	"github.com/driftline/driftline/internal/pot"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/stream"
)

// testServer builds a server over an in-memory store with a small
// calibration window, plus the mux it serves.
func testServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pcfg := pipeline.Config{Detection: pot.DefaultConfig(), CalibrationSize: 100}
	mgr := pipeline.NewManager(pcfg, st, zap.NewNop())

	cfg := appconfig.DefaultConfig()
	cfg.Detection.CalibrationSize = 100

	srv, err := NewServer(cfg, mgr, st, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mux := http.NewServeMux()
	srv.registerHandlers(mux)
	return srv, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

// observations generates a wobbly baseline with 10s spacing.
func observations(start int64, n int) []stream.Observation {
	out := make([]stream.Observation, n)
	for i := range out {
		out[i] = stream.Observation{
			Timestamp: start + int64(i)*10,
			Value:     5 + math.Sin(float64(i)*0.7) + 0.3*float64(i%7),
		}
	}
	return out
}

// feedCalibrated pushes enough observations through the ingest endpoint
// to calibrate the named stream, then a spike, and returns the spike's
// response.
func feedCalibrated(t *testing.T, mux *http.ServeMux, name string) ObservationsResponse {
	t.Helper()

	path := "/api/v1/streams/" + name + "/observations"
	w := doJSON(t, mux, http.MethodPost, path, ObservationsRequest{Observations: observations(1000, 105)})
	if w.Code != http.StatusOK {
		t.Fatalf("calibration ingest: status %d: %s", w.Code, w.Body.String())
	}

	spike := []stream.Observation{
		{Timestamp: 1000 + 105*10, Value: 500},
		{Timestamp: 1000 + 106*10, Value: 5},
	}
	w = doJSON(t, mux, http.MethodPost, path, ObservationsRequest{Observations: spike})
	if w.Code != http.StatusOK {
		t.Fatalf("spike ingest: status %d: %s", w.Code, w.Body.String())
	}

	var resp ObservationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("Expected 'healthy' in response, got %s", w.Body.String())
	}

	w = doJSON(t, mux, http.MethodPost, "/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405 for POST, got %d", w.Code)
	}
}

func TestHandleReady(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/ready", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleInfo(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/info", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "driftline") {
		t.Errorf("Expected 'driftline' in response, got %s", w.Body.String())
	}
}

func TestHandleObservations(t *testing.T) {
	_, mux := testServer(t)

	resp := feedCalibrated(t, mux, "latency")
	if !resp.Calibrated {
		t.Error("Expected calibrated after enough observations")
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(resp.Results))
	}
	if !resp.Results[1].IsAnomaly {
		t.Errorf("Expected spike flagged, got %+v", resp.Results[1])
	}
}

func TestHandleObservationsInvalidMethod(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/observations", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleObservationsEmptyBatch(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodPost, "/api/v1/streams/latency/observations",
		ObservationsRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleObservationsOutOfOrder(t *testing.T) {
	_, mux := testServer(t)

	bad := []stream.Observation{
		{Timestamp: 200, Value: 1},
		{Timestamp: 100, Value: 2},
	}
	w := doJSON(t, mux, http.MethodPost, "/api/v1/streams/latency/observations",
		ObservationsRequest{Observations: bad})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleResults(t *testing.T) {
	_, mux := testServer(t)
	feedCalibrated(t, mux, "latency")

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/results", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp struct {
		Results []pot.DetectionResult `json:"results"`
		Count   int                   `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 6 {
		t.Errorf("Expected 6 persisted results, got %d", resp.Count)
	}

	// since filter cuts off older results.
	since := resp.Results[len(resp.Results)-1].Timestamp
	w = doJSON(t, mux, http.MethodGet,
		fmt.Sprintf("/api/v1/streams/latency/results?since=%d&limit=10", since), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("Expected 1 result since %d, got %d", since, resp.Count)
	}
}

func TestHandleResultsBadQuery(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/results?since=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleResultsCSV(t *testing.T) {
	_, mux := testServer(t)
	feedCalibrated(t, mux, "latency")

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/results.csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 7 { // header + 6 results
		t.Errorf("Expected 7 CSV lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "stream,timestamp,value") {
		t.Errorf("Unexpected CSV header: %s", lines[0])
	}
}

func TestHandleResultsCSVStoreError(t *testing.T) {
	srv, mux := testServer(t)
	feedCalibrated(t, mux, "latency")

	// A dead store must surface as an error response, not an empty 200.
	srv.store.Close()

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/results.csv", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleThreshold(t *testing.T) {
	_, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/unknown/threshold", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown stream, got %d", w.Code)
	}

	feedCalibrated(t, mux, "latency")

	w = doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/threshold", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp ThresholdResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Calibrated {
		t.Fatal("Expected calibrated threshold state")
	}
	if resp.Threshold <= resp.InitialThreshold {
		t.Errorf("threshold %v not above initial threshold %v", resp.Threshold, resp.InitialThreshold)
	}
}

func TestHandleTruth(t *testing.T) {
	_, mux := testServer(t)

	valid := TruthRequest{Intervals: []evaluate.LabeledInterval{{Start: 100, End: 200}}}
	w := doJSON(t, mux, http.MethodPut, "/api/v1/streams/latency/truth", valid)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	bad := TruthRequest{Intervals: []evaluate.LabeledInterval{{Start: 200, End: 100}}}
	w = doJSON(t, mux, http.MethodPut, "/api/v1/streams/latency/truth", bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for inverted interval, got %d", w.Code)
	}

	w = doJSON(t, mux, http.MethodPost, "/api/v1/streams/latency/truth", valid)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405 for POST, got %d", w.Code)
	}
}

func TestHandleEvaluate(t *testing.T) {
	_, mux := testServer(t)

	// No ground truth yet.
	w := doJSON(t, mux, http.MethodPost, "/api/v1/streams/latency/evaluate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without truth, got %d: %s", w.Code, w.Body.String())
	}

	feedCalibrated(t, mux, "latency")

	spikeTS := int64(1000 + 105*10)
	truth := TruthRequest{Intervals: []evaluate.LabeledInterval{{Start: spikeTS, End: spikeTS}}}
	w = doJSON(t, mux, http.MethodPut, "/api/v1/streams/latency/truth", truth)
	if w.Code != http.StatusOK {
		t.Fatalf("truth: status %d", w.Code)
	}

	w = doJSON(t, mux, http.MethodPost, "/api/v1/streams/latency/evaluate", EvaluateRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec store.EvaluationRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Score.TruePositive != 1 || rec.Score.F1 != 1 {
		t.Errorf("score = %+v, want perfect detection", rec.Score)
	}
}

func TestHandleStreamsList(t *testing.T) {
	_, mux := testServer(t)
	feedCalibrated(t, mux, "latency")

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp struct {
		Streams []store.StreamRecord `json:"streams"`
		Count   int                  `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Streams[0].Name != "latency" {
		t.Errorf("streams = %+v", resp)
	}
}

func TestRouteStreamUnknownAction(t *testing.T) {
	srv, mux := testServer(t)

	w := doJSON(t, mux, http.MethodGet, "/api/v1/streams/latency/bogus", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	// The mux normalizes double slashes, so hit the router directly.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/", nil)
	rec := httptest.NewRecorder()
	srv.routeStream(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty name, got %d", rec.Code)
	}
}
