// Package schema describes the aggregator's persisted layout inside the
// key store and records its version.
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	pebblestore "github.com/rzbill/aggregator/internal/storage/pebble"
)

// Version is the layout version written by this build.
const Version = 1

// Table names a logical table and the key prefix that holds its rows.
type Table struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

var (
	// Dedup holds one row per (topic, event_id) pair seen.
	Dedup = Table{Name: "processed_ids", Prefix: "d/"}
	// Metadata holds single-row entries such as the stats snapshot.
	Metadata = Table{Name: "metadata", Prefix: "m/"}
)

// DedupPrefix is Dedup.Prefix as bytes.
func DedupPrefix() []byte { return []byte(Dedup.Prefix) }

// metaName is the metadata entry the schema record lives under.
const metaName = "schema"

// Info is the persisted schema record.
type Info struct {
	Version     int     `json:"version"`
	Tables      []Table `json:"tables"`
	CreatedAtMs int64   `json:"createdAtMs"`
}

// Ensure writes the schema record if absent and returns the effective one.
// Idempotent: an existing record of the current version is returned as is.
func Ensure(ctx context.Context, db *pebblestore.DB) (Info, error) {
	raw, ok, err := db.GetMetadata(metaName)
	if err != nil {
		return Info{}, fmt.Errorf("schema: read: %w", err)
	}
	if ok {
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err == nil {
			if info.Version > Version {
				return Info{}, fmt.Errorf("schema: store has version %d, this build supports %d", info.Version, Version)
			}
			if info.Version == Version {
				return info, nil
			}
		}
		// corrupted or older record: rewrite below
	}

	info := Info{
		Version:     Version,
		Tables:      []Table{Dedup, Metadata},
		CreatedAtMs: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(info)
	if err != nil {
		return Info{}, err
	}
	if err := db.PutMetadata(ctx, metaName, string(b)); err != nil {
		return Info{}, fmt.Errorf("schema: write: %w", err)
	}
	return info, nil
}
