// ABOUTME: Event log interface and data types for bookdrop persistence
// ABOUTME: Defines transfer actions, the Event record and list filters

package store

import (
	"context"
	"time"
)

// Action is what happened to a key.
type Action string

const (
	ActionGenerated        Action = "generated"
	ActionUploaded         Action = "uploaded"
	ActionConverted        Action = "converted"
	ActionConversionFailed Action = "conversion_failed"
	ActionDownloaded       Action = "downloaded"
	ActionCleared          Action = "cleared"
	ActionRemoved          Action = "removed"
	ActionDenied           Action = "denied"
)

// ValidActions lists all valid actions.
var ValidActions = []Action{
	ActionGenerated,
	ActionUploaded,
	ActionConverted,
	ActionConversionFailed,
	ActionDownloaded,
	ActionCleared,
	ActionRemoved,
	ActionDenied,
}

// Event is one entry in the transfer log.
type Event struct {
	ID         string         // UUID v4
	SessionKey string         // pairing key the event concerns
	Action     Action         // what happened
	Device     string         // device class of the key, if known
	Detail     map[string]any // additional context (max 64KB JSON)
	Timestamp  time.Time
}

// EventFilter specifies filtering options for listing events.
type EventFilter struct {
	SessionKey *string
	Action     *Action
	Since      *time.Time
	Until      *time.Time
	Limit      int // max results (default 100, max 1000)
}

// EventStore is the transfer event log.
type EventStore interface {
	// AppendEvent stores e, generating ID and Timestamp if unset.
	AppendEvent(ctx context.Context, e *Event) error
	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
	// PruneEvents deletes events older than before and returns how many.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	// Ping checks the database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
