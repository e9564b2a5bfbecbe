package client

import (
	"io"
	"os"

	"github.com/goccy/go-json"

	transports "github.com/rzbill/aggregator/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// BaseURLFromEnv returns AGG_HTTP or the local default.
func BaseURLFromEnv() string {
	if v := os.Getenv("AGG_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

// newTransport is swapped in tests.
var newTransport = func(baseURL string) transports.Transport {
	return transports.NewHTTPTransport(baseURL, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
