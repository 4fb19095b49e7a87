package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/evaluate"
	"github.com/driftline/driftline/internal/pipeline"
	"github.com/driftline/driftline/internal/pot"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/stream"
)

// ObservationsRequest is the batch ingest payload.
type ObservationsRequest struct {
	Observations []stream.Observation `json:"observations"`
}

// ObservationsResponse returns the detection results a batch produced.
// During calibration the results are empty and calibrated is false.
type ObservationsResponse struct {
	Stream     string                `json:"stream"`
	Calibrated bool                  `json:"calibrated"`
	Results    []pot.DetectionResult `json:"results"`
}

// ThresholdResponse is the current decision state of one stream.
type ThresholdResponse struct {
	Stream           string  `json:"stream"`
	Calibrated       bool    `json:"calibrated"`
	InitialThreshold float64 `json:"initial_threshold,omitempty"`
	Threshold        float64 `json:"threshold,omitempty"`
	AnomalyThreshold float64 `json:"anomaly_threshold,omitempty"`
	Observations     int     `json:"observations"`
}

// TruthRequest replaces a stream's labeled anomaly intervals.
type TruthRequest struct {
	Intervals []evaluate.LabeledInterval `json:"intervals"`
}

// EvaluateRequest triggers an evaluation run. Delay overrides the
// configured detection-delay cap; nil keeps the configured value.
type EvaluateRequest struct {
	Delay *int `json:"delay,omitempty"`
}

// routeStream dispatches /api/v1/streams/{name}/{action} requests.
func (s *Server) routeStream(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/streams/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "Stream name required", http.StatusBadRequest)
		return
	}

	switch action {
	case "observations":
		s.handleObservations(w, r, name)
	case "results":
		s.handleResults(w, r, name)
	case "results.csv":
		s.handleResultsCSV(w, r, name)
	case "threshold":
		s.handleThreshold(w, r, name)
	case "truth":
		s.handleTruth(w, r, name)
	case "evaluate":
		s.handleEvaluate(w, r, name)
	case "live":
		s.handleLive(w, r, name)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleStreamsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streams, err := s.store.ListStreams(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("List streams: %v", err), http.StatusInternalServerError)
		return
	}
	if streams == nil {
		streams = []*store.StreamRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ObservationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Observations) == 0 {
		http.Error(w, "Observations cannot be empty", http.StatusBadRequest)
		return
	}

	runner, err := s.manager.Runner(r.Context(), name)
	if err != nil {
		http.Error(w, fmt.Sprintf("Stream setup: %v", err), http.StatusInternalServerError)
		return
	}

	results, err := runner.Ingest(r.Context(), req.Observations)
	if err != nil {
		var malformed *stream.MalformedInputError
		if errors.As(err, &malformed) {
			http.Error(w, fmt.Sprintf("Invalid observations: %v", err), http.StatusBadRequest)
			return
		}
		s.logger.Error("ingest failed", zap.String("stream", name), zap.Error(err))
		http.Error(w, fmt.Sprintf("Ingest: %v", err), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []pot.DetectionResult{}
	}

	writeJSON(w, http.StatusOK, ObservationsResponse{
		Stream:     name,
		Calibrated: runner.Calibrated(),
		Results:    results,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	since, err := queryInt64(r, "since", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt64(r, "limit", 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.store.QueryResults(r.Context(), name, since, int(limit))
	if err != nil {
		http.Error(w, fmt.Sprintf("Query results: %v", err), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []pot.DetectionResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream":  name,
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleResultsCSV(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".csv"))

	body := &trackedWriter{w: w}
	if err := store.ExportResultsCSV(r.Context(), body, s.store, name); err != nil {
		s.logger.Error("csv export failed", zap.String("stream", name), zap.Error(err))
		// Until the first body byte the response is uncommitted and the
		// error can still be reported; afterwards it can only be logged.
		if !body.wrote {
			http.Error(w, fmt.Sprintf("Export results: %v", err), http.StatusInternalServerError)
		}
	}
}

// trackedWriter records whether any body bytes reached the client.
type trackedWriter struct {
	w     io.Writer
	wrote bool
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		t.wrote = true
	}
	return t.w.Write(p)
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runner, ok := s.manager.Lookup(name)
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	resp := ThresholdResponse{Stream: name}
	if state := runner.State(); state != nil {
		resp.Calibrated = true
		resp.InitialThreshold = state.InitialThreshold
		resp.Threshold = state.Threshold
		resp.AnomalyThreshold = state.AnomalyThreshold
		resp.Observations = state.N
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTruth(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TruthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	for i, iv := range req.Intervals {
		if iv.End < iv.Start {
			http.Error(w, fmt.Sprintf("Interval %d: end before start", i), http.StatusBadRequest)
			return
		}
	}

	if err := s.store.ReplaceIntervals(r.Context(), name, req.Intervals); err != nil {
		http.Error(w, fmt.Sprintf("Save intervals: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream": name,
		"count":  len(req.Intervals),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	delay := s.config.Evaluation.Delay
	if r.ContentLength != 0 {
		var req EvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if req.Delay != nil {
			delay = *req.Delay
		}
	}

	rec, err := s.manager.Evaluate(r.Context(), name, delay)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoGroundTruth) {
			http.Error(w, fmt.Sprintf("Evaluate: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Evaluate: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
