package controllers

import "github.com/rzbill/aggregator/internal/event"

// Request/response bodies shared by the controllers.

type errorResp struct {
	Error string `json:"error"`
}

// validationResp carries field-level failures for a rejected batch.
type validationResp struct {
	Error  string             `json:"error"`
	Fields []event.FieldError `json:"fields"`
}

// publishResp acknowledges an admitted batch.
type publishResp struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// resetResp reports a completed reset.
type resetResp struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	DiscardedQueued int    `json:"discarded_queued"`
	ClearedRetained int    `json:"cleared_retained"`
}

type healthResp struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type rootResp struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}
