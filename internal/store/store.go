package store

import (
	"context"
	"time"

	"orbitwatch/internal/model"
)

// Store is the durable home of every entity. All mutations are individually
// atomic; no cross-row transaction spans a poll cycle, so callers tolerate
// the partial-failure interleavings documented on the indexer and rule
// engine. Implementations must survive process restarts.
type Store interface {
	// LoadCursor returns the cursor with the given id, if present.
	LoadCursor(ctx context.Context, id string) (model.Cursor, bool, error)
	// SaveCursor creates or updates a cursor.
	SaveCursor(ctx context.Context, cursor model.Cursor) error

	// InsertEvent persists an event idempotently on (tx_hash, log_index).
	// Returns false when the event already existed.
	InsertEvent(ctx context.Context, event model.BatchEvent) (bool, error)
	// LatestEvent returns the most recent event by block timestamp, ties
	// broken by block number descending.
	LatestEvent(ctx context.Context) (model.BatchEvent, bool, error)
	// EventsInRange returns events with block numbers in [from, to],
	// ordered by block number then log index ascending.
	EventsInRange(ctx context.Context, from, to uint64) ([]model.BatchEvent, error)

	// InsertIncident persists a fired incident.
	InsertIncident(ctx context.Context, incident model.Incident) error
	// IncidentSince reports whether an incident of (routeID, ruleType)
	// was created at or after the given time.
	IncidentSince(ctx context.Context, routeID, ruleType string, since time.Time) (bool, error)
	// ListIncidents returns the most recent incidents, newest first.
	ListIncidents(ctx context.Context, limit int) ([]model.Incident, error)

	// EnqueueAlert persists a new outbox row.
	EnqueueAlert(ctx context.Context, row model.OutboxRow) error
	// PendingAlerts returns up to limit PENDING rows due at or before now,
	// oldest first.
	PendingAlerts(ctx context.Context, limit int, now time.Time) ([]model.OutboxRow, error)
	// UpdateAlert rewrites the delivery state of an outbox row.
	UpdateAlert(ctx context.Context, id string, status model.OutboxStatus, retryCount int, nextAttemptAt time.Time) error
}
