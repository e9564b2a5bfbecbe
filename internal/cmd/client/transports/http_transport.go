package transports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/stats"
)

// HTTPTransport talks to the aggregator's HTTP API.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport returns a transport for baseURL. A nil client uses a
// client with a 10s timeout.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) Publish(ctx context.Context, evs []event.Event) (PublishResult, error) {
	var out PublishResult
	err := t.do(ctx, http.MethodPost, "/publish", event.Batch{Events: evs}, http.StatusAccepted, &out)
	return out, err
}

func (t *HTTPTransport) Stats(ctx context.Context) (stats.Snapshot, error) {
	var out stats.Snapshot
	err := t.do(ctx, http.MethodGet, "/stats", nil, http.StatusOK, &out)
	return out, err
}

func (t *HTTPTransport) Events(ctx context.Context, topic, filter string) ([]event.Event, error) {
	q := url.Values{}
	if topic != "" {
		q.Set("topic", topic)
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []event.Event
	err := t.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out, err
}

func (t *HTTPTransport) Reset(ctx context.Context) (ResetResult, error) {
	var out ResetResult
	err := t.do(ctx, http.MethodPost, "/reset-stats", nil, http.StatusOK, &out)
	return out, err
}

func (t *HTTPTransport) Health(ctx context.Context) error {
	return t.do(ctx, http.MethodGet, "/healthz", nil, http.StatusOK, nil)
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusServiceUnavailable && path == "/publish" {
			secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return &BackpressureError{RetryAfter: time.Duration(secs) * time.Second}
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
