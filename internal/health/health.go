// Package health aggregates component checks for the HTTP and gRPC health endpoints.
package health

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/canopy/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component is the outcome of one check.
type Component struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Report is the aggregate of all checks. Status is the worst component status.
type Report struct {
	Status     Status                `json:"status"`
	Timestamp  time.Time             `json:"timestamp"`
	Uptime     string                `json:"uptime"`
	Version    string                `json:"version"`
	Components map[string]*Component `json:"components"`
	System     SystemInfo            `json:"system"`
	CheckCount int64                 `json:"check_count"`
}

// SystemInfo provides process-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapInuse     uint64 `json:"heap_inuse_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// Checker is implemented by every checked component.
type Checker interface {
	Name() string
	Check(ctx context.Context) *Component
}

// Manager runs registered checkers.
type Manager struct {
	startTime  time.Time
	version    string
	logger     zerolog.Logger
	checkCount atomic.Int64

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager creates a Manager reporting version.
func NewManager(version string, logger zerolog.Logger) *Manager {
	return &Manager{
		startTime: time.Now(),
		version:   version,
		logger:    logger.With().Str("component", "health").Logger(),
		checkers:  make(map[string]Checker),
	}
}

// Register adds or replaces a checker by name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
	m.logger.Debug().Str("checker", c.Name()).Msg("Registered health checker")
}

// Check runs every checker in name order.
func (m *Manager) Check(ctx context.Context) *Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()
	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	r := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
		Version:    m.version,
		Components: make(map[string]*Component, len(checkers)),
		System:     systemInfo(),
		CheckCount: m.checkCount.Add(1),
	}
	for _, c := range checkers {
		comp := c.Check(ctx)
		comp.Name = c.Name()
		comp.LastChecked = time.Now()
		r.Components[c.Name()] = comp
		metrics.HealthChecksTotal.WithLabelValues(c.Name(), string(comp.Status)).Inc()
		r.Status = worse(r.Status, comp.Status)
	}
	if r.Status != StatusHealthy {
		m.logger.Warn().Str("status", string(r.Status)).Msg("Health check not healthy")
	}
	return r
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     ms.HeapAlloc,
		HeapInuse:     ms.HeapInuse,
		NumGC:         ms.NumGC,
	}
}

// HTTPHandler serves the report as JSON, with 503 when unhealthy.
func (m *Manager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		body, err := json.Marshal(report)
		if err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})
}

// Publish runs one check and sets the overall serving status on hs.
// Degraded still counts as serving.
func (m *Manager) Publish(ctx context.Context, hs *grpchealth.Server) Status {
	st := m.Check(ctx).Status
	serving := healthpb.HealthCheckResponse_SERVING
	if st == StatusUnhealthy {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", serving)
	return st
}

// Watch calls Publish every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, hs *grpchealth.Server, interval time.Duration) {
	m.Publish(ctx, hs)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Publish(ctx, hs)
		}
	}
}
