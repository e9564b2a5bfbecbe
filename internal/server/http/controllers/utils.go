package controllers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
)

// maxBodyBytes bounds a publish request body.
const maxBodyBytes = 16 << 20

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeStatusJSON(w, status, errorResp{Error: message})
}

// writeJSON writes a 200 JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	writeStatusJSON(w, http.StatusOK, data)
}

func writeStatusJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeRetryable writes a 503 with a Retry-After hint in seconds.
func writeRetryable(w http.ResponseWriter, retryAfterSeconds int, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeError(w, http.StatusServiceUnavailable, message)
}

// decodeBody reads at most maxBodyBytes of the request body and decodes it
// into v. An oversized body yields a *http.MaxBytesError.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
