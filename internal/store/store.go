// Package store defines the generic authenticated data-store collaborator
// the signaling layer runs against, plus the two shipped implementations:
// an in-process Memory store and a Remote client for the relay server.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrNotFound is returned by Update when no record matches the filter.
	// Conditional updates rely on it to detect a lost compare-and-swap.
	ErrNotFound = errors.New("store: no record matches filter")

	// ErrUnavailable wraps transport-level failures of the backing store.
	ErrUnavailable = errors.New("store: channel unavailable")

	// ErrClosed is returned once the store has been shut down.
	ErrClosed = errors.New("store: closed")
)

// EventType identifies a change-feed event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// Record is one row in JSON form. Column names are snake_case.
type Record map[string]any

// Filter selects records by column equality. All entries must match.
type Filter map[string]any

// Event is one change-feed notification. Record carries the full row
// after the change.
type Event struct {
	Type   EventType `json:"type"`
	Table  string    `json:"table"`
	Record Record    `json:"record"`
}

// Subscription is a live change-feed registration.
type Subscription interface {
	Close() error
}

// Store is the generic data-store surface the signaling layer consumes.
// Delivery on subscriptions is at-least-once; per-record update order
// follows the store's own ordering, cross-record order is not guaranteed.
type Store interface {
	Insert(ctx context.Context, table string, record Record) (Record, error)
	Update(ctx context.Context, table string, filter Filter, patch Record) error
	Select(ctx context.Context, table string, filter Filter) ([]Record, error)
	Subscribe(table string, events []EventType, filter Filter, fn func(Event)) (Subscription, error)
}

// ArrayAppender is an optional capability: append one element to a JSON
// array column as a single atomic operation. Stores that implement it
// let callers avoid the lossy read-modify-write append race.
type ArrayAppender interface {
	AppendToArray(ctx context.Context, table, id, column string, value any) error
}

// Decode converts a record into a typed struct via JSON round-trip.
func Decode(rec Record, out any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// Encode converts a typed struct into a record via JSON round-trip.
func Encode(in any) (Record, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return rec, nil
}

// Matches reports whether every filter entry equals the corresponding
// record column. Values are compared in their JSON-normalized form so
// that e.g. typed enums match their string representation.
func (f Filter) Matches(rec Record) bool {
	for col, want := range f {
		got, ok := rec[col]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
