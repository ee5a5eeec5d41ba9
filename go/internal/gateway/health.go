package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StreamStatus reports whether the event stream connection is up.
type StreamStatus interface {
	Connected() bool
}

type HealthStatus struct {
	Healthy           bool     `json:"healthy"`
	DatabaseConnected bool     `json:"database_connected"`
	NATSConnected     *bool    `json:"nats_connected,omitempty"`
	Sessions          int      `json:"sessions"`
	Connections       int      `json:"connections"`
	Errors            []string `json:"errors"`
}

type HealthChecker struct {
	db       Pinger
	stream   StreamStatus
	sessions func() int
	manager  *ConnectionManager
}

// NewHealthChecker creates a checker. stream may be nil when event streaming
// is disabled.
func NewHealthChecker(db Pinger, stream StreamStatus, sessions func() int, manager *ConnectionManager) *HealthChecker {
	return &HealthChecker{
		db:       db,
		stream:   stream,
		sessions: sessions,
		manager:  manager,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	// Check database connection
	if err := h.db.Ping(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	// NATS only matters when it is configured
	if h.stream != nil {
		connected := h.stream.Connected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.sessions != nil {
		status.Sessions = h.sessions()
	}
	if h.manager != nil {
		h.manager.mu.RLock()
		status.Connections = len(h.manager.connections)
		h.manager.mu.RUnlock()
	}

	return status
}

// HTTP handler helper
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
