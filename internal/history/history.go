// Package history provides an optional, purely observational record of
// messages that passed through a broker or client. It never influences
// routing or delivery; a bus runs identically with or without one attached.
//
// Two backends are provided: MemoryStore, an in-memory ring buffer, and
// BadgerStore, a persistent embedded-KV-store backend for longer-lived
// observability.
//
// Called by: internal/broker, internal/client, cmd/swarmbus
// Calls: internal/wire
package history

import (
	"fmt"
	"time"

	"github.com/tenzoki/swarmbus/internal/wire"
)

// Entry is one recorded message, tagged with the direction it travelled.
type Entry struct {
	Direction  string       `json:"direction" msgpack:"direction"` // "in" or "out"
	Message    wire.Message `json:"message" msgpack:"message"`
	RecordedAt time.Time    `json:"recorded_at" msgpack:"recorded_at"`
}

// Store records and recalls Entries by message id. Implementations must be
// safe for concurrent use.
type Store interface {
	// Append records msg with the given direction ("in" or "out").
	Append(direction string, msg wire.Message) error

	// Lookup returns the Entry recorded for id, if any.
	Lookup(id string) (Entry, bool, error)

	// Iterate calls fn for every recorded Entry in insertion order, stopping
	// early if fn returns false.
	Iterate(fn func(Entry) bool) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrNotFound is returned by backends that distinguish a missing key from
// other errors; Lookup callers should prefer its bool return instead.
var ErrNotFound = fmt.Errorf("history: entry not found")
