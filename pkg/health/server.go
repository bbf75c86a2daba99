// Package health reports liveness, readiness and component status for empatid.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
	"github.com/empati/empati/pkg/markers"
)

// Component states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Component represents the health of a component
type Component struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// Checker probes one component
type Checker func(ctx context.Context) Component

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     string               `json:"uptime"`
	Version    string               `json:"version"`
	Components map[string]Component `json:"components"`
	Statistics *Statistics          `json:"statistics,omitempty"`
	Memory     *MemoryInfo          `json:"memory,omitempty"`
}

// Statistics summarises the marker picture
type Statistics struct {
	LiveMarkers int                `json:"live_markers"`
	Proximity   pkg.ProximityStats `json:"proximity"`
	Store       markers.Status     `json:"store"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc      uint64 `json:"alloc_bytes"`
	Sys        uint64 `json:"sys_bytes"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
	HeapInuse  uint64 `json:"heap_inuse_bytes"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

// StatsSource supplies proximity statistics
type StatsSource interface {
	Stats() pkg.ProximityStats
}

// MarkerStatus supplies the adapter status
type MarkerStatus interface {
	Status() markers.Status
}

// Server serves the health endpoints
type Server struct {
	logger    *logx.Logger
	version   string
	startTime time.Time

	mu       sync.RWMutex
	checks   map[string]Checker
	critical map[string]bool
	stats    StatsSource
	markers  MarkerStatus
}

// NewServer creates a new health server
func NewServer(version string, logger *logx.Logger) *Server {
	return &Server{
		logger:    logger,
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]Checker),
		critical:  make(map[string]bool),
	}
}

// AddCheck registers a component probe. Critical components gate readiness.
func (s *Server) AddCheck(name string, critical bool, check Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
	s.critical[name] = critical
}

// SetDetails provides the sources used by the detailed report
func (s *Server) SetDetails(stats StatsSource, m MarkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	s.markers = m
}

// Register mounts the health routes on r
func (s *Server) Register(r chi.Router) {
	r.Get("/health", s.healthHandler)
	r.Get("/health/detailed", s.detailedHealthHandler)
	r.Get("/health/ready", s.readyHandler)
	r.Get("/health/live", s.liveHandler)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.getDetailedHealthStatus(r.Context()))
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.Ready(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports whether every critical component is healthy
func (s *Server) Ready(ctx context.Context) bool {
	status := s.getHealthStatus(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, c := range status.Components {
		if s.critical[name] && c.Status != StatusHealthy {
			return false
		}
	}
	return true
}

func (s *Server) getHealthStatus(ctx context.Context) HealthStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := s.checks
	s.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Version:    s.version,
		Components: make(map[string]Component, len(names)),
	}

	for _, name := range names {
		c := checks[name](ctx)
		if c.LastCheck.IsZero() {
			c.LastCheck = status.Timestamp
		}
		status.Components[name] = c

		switch c.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}

	if status.Status != StatusHealthy {
		s.logger.Debug("health check not healthy", "status", status.Status)
	}
	return status
}

func (s *Server) getDetailedHealthStatus(ctx context.Context) HealthStatus {
	status := s.getHealthStatus(ctx)

	s.mu.RLock()
	stats, ms := s.stats, s.markers
	s.mu.RUnlock()

	if stats != nil && ms != nil {
		st := ms.Status()
		status.Statistics = &Statistics{
			LiveMarkers: st.Count,
			Proximity:   stats.Stats(),
			Store:       st,
		}
	}
	status.Memory = getMemoryInfo()
	return status
}

func getMemoryInfo() *MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &MemoryInfo{
		Alloc:      m.Alloc,
		Sys:        m.Sys,
		HeapAlloc:  m.HeapAlloc,
		HeapInuse:  m.HeapInuse,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
