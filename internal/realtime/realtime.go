// Package realtime defines the backend collaborator used by the sync
// components: change-feed subscriptions, per-room broadcast, RPC and bulk
// queries. The production implementation runs over NATS; tests substitute
// in-memory fakes.
package realtime

import (
	"context"
	"encoding/json"
)

// EventKind tags a change event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is a backend-pushed notification that a row was inserted,
// updated or deleted. Previous carries the (possibly partial) old row for
// updates and deletes; Current carries the new row for inserts and updates.
// Rows are decoded into typed structs once, at the consuming component's
// boundary.
type ChangeEvent struct {
	Kind     EventKind       `json:"kind"`
	Previous json.RawMessage `json:"previous,omitempty"`
	Current  json.RawMessage `json:"current,omitempty"`
}

// Status reports the link state of a single subscription.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusTimedOut   Status = "timed_out"
)

// Filter narrows a change feed or query to rows where Column equals Value.
// The zero Filter matches all rows.
type Filter struct {
	Column string
	Value  string
}

// ChangeHandler receives change events for one subscription.
type ChangeHandler func(ChangeEvent)

// StatusHandler receives link-status updates for one subscription.
type StatusHandler func(Status)

// Subscription is a live change-feed or broadcast subscription.
type Subscription interface {
	Unsubscribe() error
}

// Query shapes a bulk read.
type Query struct {
	Filter     Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Client is the full backend surface the sync components depend on.
type Client interface {
	// Subscribe opens a change feed on a table, optionally filtered.
	// onStatus is invoked with the initial subscribed signal and with any
	// later link errors; it may be nil.
	Subscribe(ctx context.Context, table string, filter Filter, onEvent ChangeHandler, onStatus StatusHandler) (Subscription, error)

	// Broadcast publishes an ephemeral payload to everyone in a room.
	Broadcast(room, event string, payload any) error

	// Listen receives broadcasts for one event name in a room.
	Listen(room, event string, handler func(json.RawMessage)) (Subscription, error)

	// Call invokes a named backend procedure. Business-rule failures are
	// returned as *CallError; transport failures as plain errors. reply may
	// be nil when the caller does not need the result.
	Call(ctx context.Context, proc string, args any, reply any) error

	// Select performs a bulk read on a table into dest (a pointer to a
	// slice of row structs).
	Select(ctx context.Context, table string, q Query, dest any) error

	// Close releases the underlying connection.
	Close()
}
