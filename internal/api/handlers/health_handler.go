package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/fastcrud/userapi/internal/api/types"
	"github.com/fastcrud/userapi/pkg/logger"
	"go.uber.org/zap"
)

// Pinger checks a backing dependency.
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	ping    Pinger
	started time.Time
	now     func() time.Time
}

// NewHealthHandler builds health endpoints; ping may be nil.
func NewHealthHandler(ping Pinger) *HealthHandler {
	return &HealthHandler{ping: ping, started: time.Now(), now: time.Now}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: types.HealthStatus{
		Status:    "ok",
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Uptime:    now.Sub(h.started).Seconds(),
	}})
}

// Health serves the bare {status, timestamp, uptime} body, without the
// envelope, for probes that expect the plain shape.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, types.HealthStatus{
		Status:    "ok",
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Uptime:    now.Sub(h.started).Seconds(),
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			logger.L().Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
				Error:   "ServiceUnavailable",
				Message: "database unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ready"}})
}
