package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/logx"
)

// Component states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Snapshotter exposes the positioning state
type Snapshotter interface {
	Snapshot() (pkg.SessionSnapshot, bool)
}

// Server provides health check endpoints for beacontrackd
type Server struct {
	source    Snapshotter
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
	version   string

	mu         sync.RWMutex
	components map[string]Component
	lastError  *ErrorInfo
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     time.Duration        `json:"uptime"`
	Version    string               `json:"version"`
	Configured bool                 `json:"configured"`
	Ready      bool                 `json:"ready"`
	Components map[string]Component `json:"components"`
	Anchors    []AnchorHealth       `json:"anchors,omitempty"`
	Session    *pkg.Session         `json:"session,omitempty"`
	Memory     *MemoryInfo          `json:"memory,omitempty"`
	LastError  *ErrorInfo           `json:"last_error,omitempty"`
}

// Component represents the health of a component
type Component struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// AnchorHealth summarizes one anchor
type AnchorHealth struct {
	ID       string     `json:"id"`
	Samples  uint64     `json:"samples"`
	Latest   *float64   `json:"latest_rssi,omitempty"`
	Variance *float64   `json:"variance,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapSys   uint64 `json:"heap_sys_bytes"`
	HeapIdle  uint64 `json:"heap_idle_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
	PauseNs   uint64 `json:"pause_ns"`
}

// ErrorInfo represents error information
type ErrorInfo struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
}

// NewServer creates a new health server
func NewServer(source Snapshotter, version string, logger *logx.Logger) *Server {
	return &Server{
		source:     source,
		logger:     logger.With("component", "health"),
		startTime:  time.Now(),
		version:    version,
		components: make(map[string]Component),
	}
}

// Handler returns the health endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/detailed", s.detailedHealthHandler)
	mux.HandleFunc("/health/ready", s.readyHandler)
	mux.HandleFunc("/health/live", s.liveHandler)
	return mux
}

// Start starts the health server
func (s *Server) Start(port int) error {
	s.logger.Info("Starting health server", "port", port)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the health server
func (s *Server) Stop() error {
	s.logger.Info("Stopping health server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// healthHandler provides basic health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus()

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// detailedHealthHandler provides detailed health information
func (s *Server) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.getDetailedHealthStatus())
}

// readyHandler reports ready once anchors are configured and every anchor
// has produced a reading
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus()

	if status.Ready && status.Status != StatusUnhealthy {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// liveHandler provides liveness check
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// getHealthStatus returns basic health status
func (s *Server) getHealthStatus() HealthStatus {
	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime),
		Version:    s.version,
		Components: make(map[string]Component),
	}

	s.mu.RLock()
	for name, c := range s.components {
		status.Components[name] = c
		if c.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}
	s.mu.RUnlock()

	if snap, ok := s.source.Snapshot(); ok {
		status.Configured = true
		status.Ready = snap.Ready()
	}
	return status
}

// getDetailedHealthStatus returns detailed health status
func (s *Server) getDetailedHealthStatus() HealthStatus {
	status := s.getHealthStatus()

	if snap, ok := s.source.Snapshot(); ok {
		session := snap.Session
		status.Session = &session
		status.Anchors = anchorHealth(snap)
	}

	memory := s.getMemoryInfo()
	status.Memory = &memory

	s.mu.RLock()
	if s.lastError != nil {
		e := *s.lastError
		status.LastError = &e
	}
	s.mu.RUnlock()

	return status
}

func anchorHealth(snap pkg.SessionSnapshot) []AnchorHealth {
	out := make([]AnchorHealth, 0, len(snap.Anchors))
	for _, a := range snap.Anchors {
		h := AnchorHealth{
			ID:       a.Config.ID,
			Samples:  a.Samples,
			Latest:   a.Latest,
			Variance: a.Variance,
		}
		if !a.LastSeen.IsZero() {
			seen := a.LastSeen
			h.LastSeen = &seen
		}
		out = append(out, h)
	}
	return out
}

// getMemoryInfo returns memory usage information
func (s *Server) getMemoryInfo() MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapAlloc: m.HeapAlloc,
		HeapSys:   m.HeapSys,
		HeapIdle:  m.HeapIdle,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
		PauseNs:   m.PauseNs[(m.NumGC+255)%256],
	}
}

// UpdateComponentHealth updates the health status of a component
func (s *Server) UpdateComponentHealth(componentName, status, message string) {
	s.mu.Lock()
	s.components[componentName] = Component{
		Status:    status,
		Message:   message,
		LastCheck: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Debug("Component health update",
		"component", componentName, "status", status, "message", message)
}

// RecordError records an error for health monitoring
func (s *Server) RecordError(errorType, component, message string) {
	s.mu.Lock()
	s.lastError = &ErrorInfo{
		Message:   message,
		Type:      errorType,
		Timestamp: time.Now(),
		Component: component,
	}
	s.mu.Unlock()

	s.logger.Error("Health error recorded",
		"type", errorType, "component", component, "message", message)
}
