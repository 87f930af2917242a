// Package kvstore defines the contract the exporter consumes from a remote
// Redis-compatible store reached over a request/response API.
package kvstore

import (
	"context"
)

// TerminalCursor is both the starting cursor of a SCAN walk and the value
// the store returns once the walk is complete.
const TerminalCursor = "0"

// Key types reported by TYPE.
const (
	TypeNone   = "none"
	TypeString = "string"
	TypeList   = "list"
	TypeSet    = "set"
	TypeHash   = "hash"
	TypeZSet   = "zset"
)

// PTTL sentinel values.
const (
	TTLMissing  int64 = -2
	TTLNoExpiry int64 = -1
)

// Client executes the scan and read primitives of the remote store.
// Every call is independent and may fail with a *TransientCallError or a
// *FatalCallError.
type Client interface {
	// Scan returns the next cursor and up to roughly count keys. An empty key
	// slice with a non-terminal cursor means the walk must continue.
	Scan(ctx context.Context, cursor string, count int, match string) (string, []string, error)

	// MultiGet returns one entry per key, in order. Entries are nil for keys
	// that do not exist or do not hold a string.
	MultiGet(ctx context.Context, keys []string) ([]*string, error)

	// Type returns the type of key, TypeNone when it does not exist.
	Type(ctx context.Context, key string) (string, error)

	// Dump returns the serialized value of key, nil when it does not exist.
	Dump(ctx context.Context, key string) ([]byte, error)

	// PTTL returns the remaining time to live in milliseconds, TTLNoExpiry
	// or TTLMissing.
	PTTL(ctx context.Context, key string) (int64, error)
}

// Pipeliner is implemented by clients able to send many commands in a single
// round trip.
type Pipeliner interface {
	// Pipeline executes cmds in order. The returned slice has one Result per
	// command; a command-level failure is reported in Result.Err and does not
	// fail the call.
	Pipeline(ctx context.Context, cmds [][]string) ([]Result, error)
}

// Result is the outcome of one pipelined command.
type Result struct {
	// Value holds a decoded reply: nil, string, []byte, int64 or []any.
	Value any
	Err   error
}

// String returns the reply as a string, or "" when it is not textual.
func (r Result) String() string {
	switch v := r.Value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bytes returns the reply as bytes, nil for a null reply.
func (r Result) Bytes() []byte {
	switch v := r.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Int returns the reply as an integer. ok is false when the reply is not numeric.
func (r Result) Int() (int64, bool) {
	switch v := r.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
