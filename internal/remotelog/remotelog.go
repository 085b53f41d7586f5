// Package remotelog wraps the external ordered key-value log the client
// synchronizes against: append-only pushes, partial updates, one-shot range
// queries, live subscriptions, and server-side on-disconnect commitments.
package remotelog

import (
	"context"
	"encoding/json"
	"strings"
)

// serverTimestampSentinel marks a field the server fills with its own
// monotonic clock at write time.
type serverTimestampSentinel struct{}

// ServerTimestamp is the placeholder value for server-assigned timestamps.
var ServerTimestamp any = serverTimestampSentinel{}

// IsServerTimestamp reports whether v is the ServerTimestamp placeholder,
// either the native sentinel or its wire form {".sv": "timestamp"}.
func IsServerTimestamp(v any) bool {
	if _, ok := v.(serverTimestampSentinel); ok {
		return true
	}
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		if sv, ok := m[".sv"].(string); ok {
			return sv == "timestamp"
		}
	}
	return false
}

// Query selects an ordered slice of the log under Path. Zero-value fields
// are unset. OrderBy names a child field of each entry; StartAt and
// EndBefore bound that field (inclusive / exclusive); LimitToLast keeps
// only the trailing N entries of the ordered result.
type Query struct {
	Path        string
	OrderBy     string
	StartAt     *int64
	EndBefore   *int64
	LimitToLast int
}

// At returns a query for the value at a single path.
func At(path string) Query {
	return Query{Path: path}
}

// Entry is one child of a queried path.
type Entry struct {
	Key   string
	Value any
}

// Decode unmarshals the entry value into v via a JSON round-trip.
func (e Entry) Decode(v any) error {
	data, err := json.Marshal(e.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Snapshot is one full delivery of a subscription's scope. Subscriptions
// re-fire the complete snapshot on any change within scope, so consumers
// must deduplicate, not diff.
type Snapshot struct {
	Entries []Entry
}

// CancelFunc tears down a subscription. After it returns no further
// snapshots are delivered. Safe to call more than once.
type CancelFunc func()

// Commitment is a pending server-side write that fires if the session
// drops uncleanly. Cancel withdraws it; Cancel after the connection
// already dropped is a no-op.
type Commitment interface {
	Update(ctx context.Context, fields map[string]any) error
	Cancel(ctx context.Context) error
}

// Client is the transport-agnostic surface the sync, presence, and roster
// components consume.
type Client interface {
	// Push appends value under path with a server-generated,
	// lexicographically monotonic id.
	Push(ctx context.Context, path string, value any) (id string, err error)

	// Update applies a non-destructive partial write of fields at path.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Get runs a one-shot query.
	Get(ctx context.Context, q Query) ([]Entry, error)

	// Subscribe registers a live handler for q. The handler receives the
	// current snapshot and then re-fires on every in-scope change.
	Subscribe(q Query, handler func(Snapshot)) (CancelFunc, error)

	// OnDisconnect registers a commitment scoped to path.
	OnDisconnect(path string) Commitment
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// UserPath is the path of a user record.
func UserPath(uid string) string {
	return Join("users", uid)
}

// RoomMessagesPath is the path of a room's message log.
func RoomMessagesPath(roomID string) string {
	return Join("rooms", roomID, "messages")
}
