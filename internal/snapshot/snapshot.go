// Package snapshot defines the exported document and persists it to disk.
package snapshot

import (
	"time"
)

// Method names recorded in the snapshot metadata.
const (
	MethodOptimized = "optimized_mget"
	MethodFull      = "full_dump"
)

// NoExpiry is the TTL recorded for keys without an expiry, and for every key
// exported with the optimized method.
const NoExpiry int64 = -1

// Record is the exported form of one key.
//
// Optimized exports fill Value and always report TTL -1. Full exports fill
// Dump with the store's serialized payload (base64 in JSON) and the remaining
// TTL in milliseconds. Values and keys hold raw bytes; see Snapshot.MarshalJSON for
// how bytes that are not valid UTF-8 are written.
type Record struct {
	Type  string  `json:"type"`
	Value *string `json:"value,omitempty"`
	Dump  []byte  `json:"dump,omitempty"`
	TTL   int64   `json:"ttl"`
}

// StringRecord builds the record of an optimized export.
func StringRecord(value string) Record {
	return Record{Type: "string", Value: &value, TTL: NoExpiry}
}

// Metadata summarizes the export run.
type Metadata struct {
	TotalKeys       int       `json:"total_keys"`
	SourceURL       string    `json:"source_url"`
	Method          string    `json:"method"`
	ExportTimestamp time.Time `json:"export_timestamp"`
	RunID           string    `json:"run_id,omitempty"`
	Partial         bool      `json:"partial"`
	FailedBatches   []int     `json:"failed_batches,omitempty"`

	// RetriedAt is set when failed batches were replayed into the snapshot.
	RetriedAt *time.Time `json:"retried_at,omitempty"`
}

// Snapshot is the complete exported representation of a key space.
type Snapshot struct {
	Metadata Metadata          `json:"metadata"`
	Keys     map[string]Record `json:"keys"`
}

// New creates an empty snapshot.
func New() *Snapshot {
	return &Snapshot{Keys: make(map[string]Record)}
}
