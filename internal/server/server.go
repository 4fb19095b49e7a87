// Package server exposes the detection engine over HTTP: batch
// observation ingest, result and threshold queries, ground-truth
// management, evaluation runs, and a live WebSocket result feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/pipeline"
	"github.com/driftline/driftline/internal/store"
)

// Server is the driftline HTTP server.
type Server struct {
	config  *config.Config
	manager *pipeline.Manager
	store   store.Store
	logger  *zap.Logger

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool

	startedAt time.Time
}

// NewServer creates a server over an already-constructed pipeline
// manager and store.
func NewServer(cfg *config.Config, mgr *pipeline.Manager, st store.Store, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if mgr == nil {
		return nil, fmt.Errorf("pipeline manager cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  cfg,
		manager: mgr,
		store:   st,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start binds the listener and begins serving. It returns once the
// listener goroutine is running.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/streams", s.handleStreamsList)
	mux.HandleFunc("/api/v1/streams/", s.routeStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":             "driftline",
		"version":          "0.1.0",
		"decision_rule":    s.config.Detection.DecisionRule,
		"risk_level":       s.config.Detection.RiskLevel,
		"calibration_size": s.config.Detection.CalibrationSize,
		"scrape_enabled":   s.config.Scrape.Enabled,
		"started_at":       startedAt.Format(time.RFC3339),
		"timestamp":        time.Now().Format(time.RFC3339),
	})
}
