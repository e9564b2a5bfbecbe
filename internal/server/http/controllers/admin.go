package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/aggregator/internal/runtime"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// ResetWarning accompanies every successful reset.
const ResetWarning = "All counters were reset and the persisted dedup table was wiped. " +
	"Retained in-memory events were cleared and events still queued were discarded; " +
	"previously seen events will be accepted as unique again."

// AdminController serves counters and the destructive reset.
type AdminController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewAdminController creates the controller.
func NewAdminController(rt *runtime.Runtime, logger logpkg.Logger) *AdminController {
	return &AdminController{rt: rt, logger: logger}
}

// RegisterRoutes registers GET /stats and POST /reset-stats.
func (c *AdminController) RegisterRoutes(r chi.Router) {
	r.Get("/stats", c.handleStats)
	r.Post("/reset-stats", c.handleReset)
}

func (c *AdminController) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, c.rt.Stats())
}

func (c *AdminController) handleReset(w http.ResponseWriter, r *http.Request) {
	report, err := c.rt.Reset(r.Context())
	if err != nil {
		c.logger.Error("reset failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "Reset failed: "+err.Error())
		return
	}
	writeJSON(w, resetResp{
		Status:          "success",
		Message:         ResetWarning,
		DiscardedQueued: report.DiscardedQueued,
		ClearedRetained: report.ClearedRetained,
	})
}
