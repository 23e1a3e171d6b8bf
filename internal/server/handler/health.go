package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks connectivity to a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	storage Pinger
	cache   Pinger
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Either pinger may be nil, in which
// case that dependency is reported as "disabled".
func NewHealthHandler(storage, cache Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{storage: storage, cache: cache, logger: logger}
}

// HealthCheck reports server liveness plus the state of the storage and cache
// dependencies. The endpoint stays 200 as long as the process serves traffic;
// dependency failures show up in the body.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"storage":   h.check(ctx, h.storage),
		"cache":     h.check(ctx, h.cache),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) check(ctx context.Context, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "health check dependency failed",
			slog.String("error", err.Error()),
		)
		return "unavailable"
	}
	return "ok"
}
