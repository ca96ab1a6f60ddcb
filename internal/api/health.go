package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResponse represents a comprehensive health check response
type HealthCheckResponse struct {
	Status         HealthStatus           `json:"status"`
	Timestamp      string                 `json:"timestamp"`
	ServiceVersion string                 `json:"service_version"`
	GitCommit      string                 `json:"git_commit,omitempty"`
	BuildTime      string                 `json:"build_time,omitempty"`
	Uptime         string                 `json:"uptime"`
	Checks         map[string]HealthCheck `json:"checks"`
	System         SystemInfo             `json:"system"`
	RequestID      string                 `json:"request_id,omitempty"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked string       `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemoryAlloc   uint64 `json:"memory_alloc_bytes"`
	MemorySys     uint64 `json:"memory_sys_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

// MetricsResponse represents basic runtime metrics
type MetricsResponse struct {
	Timestamp      string     `json:"timestamp"`
	ServiceVersion string     `json:"service_version"`
	Uptime         string     `json:"uptime"`
	System         SystemInfo `json:"system"`
	CurrentRoundID int64      `json:"current_round_id"`
	RequestID      string     `json:"request_id,omitempty"`
}

// handleHealthCheck provides comprehensive health check endpoint
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	checks := make(map[string]HealthCheck)
	overallStatus := HealthStatusHealthy

	dbCheck := s.checkDatabaseHealth(r)
	checks["database"] = dbCheck
	if dbCheck.Status != HealthStatusHealthy {
		overallStatus = HealthStatusUnhealthy
	}

	clockCheck := s.checkClockHealth()
	checks["clock"] = clockCheck
	if clockCheck.Status != HealthStatusHealthy {
		overallStatus = HealthStatusUnhealthy
	}

	response := HealthCheckResponse{
		Status:         overallStatus,
		Timestamp:      rfc3339Now(),
		ServiceVersion: ServiceVersion,
		GitCommit:      GitCommit,
		BuildTime:      BuildTime,
		Uptime:         time.Since(s.startTime).String(),
		Checks:         checks,
		System:         getSystemInfo(),
		RequestID:      requestID,
	}

	statusCode := http.StatusOK
	if overallStatus == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, response)
}

// handleMetrics provides basic runtime metrics endpoint
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, MetricsResponse{
		Timestamp:      rfc3339Now(),
		ServiceVersion: ServiceVersion,
		Uptime:         time.Since(s.startTime).String(),
		System:         getSystemInfo(),
		CurrentRoundID: s.eng.Clock().Current().RoundID,
		RequestID:      middleware.GetReqID(r.Context()),
	})
}

// handleReadiness provides readiness probe endpoint
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := true
	message := "Ready"

	if check := s.checkDatabaseHealth(r); check.Status != HealthStatusHealthy {
		ready = false
		message = check.Message
	}

	response := map[string]interface{}{
		"ready":           ready,
		"message":         message,
		"timestamp":       rfc3339Now(),
		"service_version": ServiceVersion,
		"request_id":      middleware.GetReqID(r.Context()),
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, response)
}

// handleLiveness provides liveness probe endpoint
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":           true,
		"timestamp":       rfc3339Now(),
		"service_version": ServiceVersion,
		"uptime":          time.Since(s.startTime).String(),
		"request_id":      middleware.GetReqID(r.Context()),
	})
}

// checkDatabaseHealth checks database connectivity with a cheap read.
func (s *Server) checkDatabaseHealth(r *http.Request) HealthCheck {
	start := time.Now()

	status := HealthStatusHealthy
	message := "Database connection healthy"

	current := s.eng.Clock().Current().RoundID
	if _, err := s.db.GetRound(r.Context(), current); err != nil && err != store.ErrNotFound {
		status = HealthStatusUnhealthy
		message = "Database query failed: " + err.Error()
	}

	return HealthCheck{
		Status:      status,
		Message:     message,
		LastChecked: rfc3339Now(),
		Duration:    time.Since(start).String(),
	}
}

// checkClockHealth verifies the schedule still derives a sane active round.
func (s *Server) checkClockHealth() HealthCheck {
	start := time.Now()

	status := HealthStatusHealthy
	message := "Round clock healthy"

	snap := s.eng.Clock().Current()
	if snap.EndsAt.Before(snap.OpensAt) || !snap.EndsAt.After(s.eng.Clock().Now().Add(-24*time.Hour)) {
		status = HealthStatusUnhealthy
		message = "Round clock derives inconsistent bounds"
	}

	return HealthCheck{
		Status:      status,
		Message:     message,
		LastChecked: rfc3339Now(),
		Duration:    time.Since(start).String(),
	}
}

// getSystemInfo collects system information
func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemoryAlloc:   m.Alloc,
		MemorySys:     m.Sys,
		GCCycles:      m.NumGC,
	}
}
