package controllers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/queue"
	"github.com/rzbill/aggregator/internal/runtime"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// QueueFullMessage is the body text returned with 503 on backpressure.
const QueueFullMessage = "Queue full, try again later."

// EventsController handles ingress and the retained event query.
type EventsController struct {
	rt      *runtime.Runtime
	logger  logpkg.Logger
	publish func(http.Handler) http.Handler
}

// NewEventsController creates the controller. publishMW wraps only the
// publish route (rate limiting); nil means none.
func NewEventsController(rt *runtime.Runtime, logger logpkg.Logger, publishMW func(http.Handler) http.Handler) *EventsController {
	return &EventsController{rt: rt, logger: logger, publish: publishMW}
}

// RegisterRoutes registers POST /publish and GET /events.
func (c *EventsController) RegisterRoutes(r chi.Router) {
	if c.publish != nil {
		r.With(c.publish).Post("/publish", c.handlePublish)
	} else {
		r.Post("/publish", c.handlePublish)
	}
	r.Get("/events", c.handleEvents)
}

// handlePublish admits a batch as a whole or not at all.
//
// 202 {"status":"accepted","count":n}; 400 on malformed or invalid input;
// 413 when the batch exceeds the configured maximum; 503 with Retry-After
// when the queue lacks room.
func (c *EventsController) handlePublish(w http.ResponseWriter, r *http.Request) {
	var batch event.Batch
	if err := decodeBody(w, r, &batch); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	n, err := c.rt.Ingest(r.Context(), batch.Events)
	var verr *event.ValidationError
	switch {
	case err == nil:
		writeStatusJSON(w, http.StatusAccepted, publishResp{Status: "accepted", Count: n})
	case errors.Is(err, queue.ErrQueueFull):
		writeRetryable(w, 1, QueueFullMessage)
	case errors.Is(err, queue.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "Batch too large")
	case errors.As(err, &verr):
		writeStatusJSON(w, http.StatusBadRequest, validationResp{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, runtime.ErrClosed), errors.Is(err, queue.ErrClosed):
		writeRetryable(w, 5, "Service shutting down")
	default:
		c.logger.Error("publish failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to publish")
	}
}

// handleEvents lists retained events, optionally narrowed by ?topic= and a
// CEL ?filter= expression.
func (c *EventsController) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	evs, err := c.rt.Events(q.Get("topic"), q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter: "+err.Error())
		return
	}
	if evs == nil {
		evs = []event.Event{}
	}
	writeJSON(w, evs)
}
