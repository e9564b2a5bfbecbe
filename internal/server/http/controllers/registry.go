package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/aggregator/internal/runtime"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	events  *EventsController
	admin   *AdminController
}

// NewControllerRegistry creates every controller for rt. publishMW is
// applied to the publish route only and may be nil.
func NewControllerRegistry(rt *runtime.Runtime, logger logpkg.Logger, version string, publishMW func(http.Handler) http.Handler) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt, version),
		events:  NewEventsController(rt, logger.WithComponent("http.events"), publishMW),
		admin:   NewAdminController(rt, logger.WithComponent("http.admin")),
	}
}

// RegisterAllRoutes registers all controller routes on r.
func (reg *ControllerRegistry) RegisterAllRoutes(r chi.Router) {
	reg.general.RegisterRoutes(r)
	reg.events.RegisterRoutes(r)
	reg.admin.RegisterRoutes(r)
}
