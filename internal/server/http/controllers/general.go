package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/aggregator/internal/runtime"
)

// GeneralController serves the root listing and health checks.
type GeneralController struct {
	rt      *runtime.Runtime
	version string
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime, version string) *GeneralController {
	return &GeneralController{rt: rt, version: version}
}

// RegisterRoutes registers / and /healthz.
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/", c.handleRoot)
	r.Get("/healthz", c.handleHealth)
}

func (c *GeneralController) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, rootResp{
		Service: "aggregator",
		Version: c.version,
		Endpoints: []string{
			"POST /publish",
			"GET /stats",
			"GET /events?topic=&filter=",
			"POST /reset-stats",
			"GET /healthz",
			"GET /metrics",
		},
	})
}

// handleHealth returns 200 {"status":"ok"} while the store is open and the
// consumer is running, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeStatusJSON(w, http.StatusServiceUnavailable, healthResp{Status: "not_serving", Reason: err.Error()})
		return
	}
	writeJSON(w, healthResp{Status: "ok"})
}
