// -----------------------------------------------------------------------
// SystemHandler - Health, version and fallthrough routes
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
)

// SystemHandler serves the operational endpoints outside /v1
type SystemHandler struct {
	monitor interfaces.HealthMonitor
	logger  arbor.ILogger
}

func NewSystemHandler(monitor interfaces.HealthMonitor, logger arbor.ILogger) *SystemHandler {
	return &SystemHandler{monitor: monitor, logger: logger}
}

// HealthHandler returns the latest health snapshot. Serves the cached
// periodic observation when one exists; first callers get a fresh one.
// An unhealthy verdict renders 503 so load balancers can act on it.
// GET /health
func (h *SystemHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	snapshot := h.monitor.Last()
	if snapshot == nil {
		fresh, err := h.monitor.Snapshot(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("Health snapshot failed")
			WriteError(w, err)
			return
		}
		snapshot = fresh
	}

	status := http.StatusOK
	if snapshot.State == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, snapshot)
}

// VersionHandler returns build identification
// GET /version
func (h *SystemHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":   common.GetVersion(),
		"build":     common.GetBuild(),
		"gitCommit": common.GetGitCommit(),
	})
}

// NotFoundHandler renders unmatched API paths in the error envelope
func (h *SystemHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"success": false,
		"error": errorBody{
			Code:      "NOT_FOUND",
			Message:   "The requested endpoint does not exist",
			Timestamp: time.Now().UTC(),
			Context:   map[string]interface{}{"path": r.URL.Path},
		},
	})
}
