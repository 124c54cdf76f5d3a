// Package statestore persists Run and Event records, implementing the
// single durable source of truth a running board checkpoints progress
// against. Three backends satisfy the same Store contract: an embedded
// single-writer SQLite store for local/standalone operation, a
// DynamoDB-backed store for distributed deployments, and a shared Postgres
// store. Large payloads spill
// to an object store transparently; callers never see the difference.
package statestore

import (
	"context"
	"time"

	"github.com/flow-like/substrate/internal/domain"
)

// Store is the durable backend for runs and events.
type Store interface {
	// CreateRun persists a new run, applying defaults (status=pending,
	// timestamps, TTL) for fields the caller did not set.
	CreateRun(ctx context.Context, in domain.CreateRunInput) (*domain.Run, error)

	// GetRun returns a run by ID, or an Error of kind ErrorNotFound.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	// GetRunForApp returns a run by ID, scoped to the given app_id: a run
	// owned by a different app is reported as ErrorNotFound rather than
	// leaking its existence across tenants.
	GetRunForApp(ctx context.Context, runID, appID string) (*domain.Run, error)

	// UpdateRun applies a partial update. Updating a run already in a
	// terminal status changes nothing and fails with ErrorTerminalRun.
	UpdateRun(ctx context.Context, runID string, in domain.UpdateRunInput) (*domain.Run, error)

	// ListRunsByApp returns runs for an app ordered by created_at
	// descending, using the app_id+created_at index.
	ListRunsByApp(ctx context.Context, appID string, limit int) ([]*domain.Run, error)

	// AppendEvent appends a single event to a run's event log, assigning
	// the next monotonic sequence number (starting at 0) for that
	// run_id. Payloads larger than SpilloverThreshold are transparently
	// moved to the object store and replaced with a store:// reference.
	AppendEvent(ctx context.Context, ev domain.Event) (*domain.Event, error)

	// PushEvents appends a batch of events, assigning each its run's next
	// monotonic sequence number in order. Backends respect their own
	// batch-write limits internally (e.g. DynamoDB's BatchWriteItem cap
	// of 25 items per call), chunking as needed; count is the number of
	// events written.
	PushEvents(ctx context.Context, events []domain.CreateEventInput) (int, error)

	// ListEventsByRun returns events for a run ordered by sequence
	// ascending, using the run_id+sequence index. When onlyUndelivered is
	// true, only events with delivered=false are returned. A spilled
	// payload is transparently fetched from the object store before the
	// event is returned; ResolveEventPayload remains available for
	// re-fetching a payload on an event obtained elsewhere.
	ListEventsByRun(ctx context.Context, runID string, afterSequence int64, onlyUndelivered bool, limit int) ([]*domain.Event, error)

	// GetMaxSequence returns the highest assigned sequence for a run, or
	// 0 if the run has no events.
	GetMaxSequence(ctx context.Context, runID string) (int64, error)

	// MarkEventsDelivered flags the given events as delivered so a
	// subsequent ListEventsByRun(onlyUndelivered=true) excludes them.
	// Unknown event IDs are silently skipped.
	MarkEventsDelivered(ctx context.Context, eventIDs []string) error

	// ResolveEventPayload returns an event's payload, fetching it from
	// the object store transparently if it was spilled.
	ResolveEventPayload(ctx context.Context, ev *domain.Event) ([]byte, error)

	// DeleteExpiredRuns removes runs, and events, whose own expires_at
	// has passed as of now, and returns the number of runs removed.
	// Events are matched by their own expires_at, not by their run's.
	// Backends with native TTL
	// (DynamoDB) implement this as a no-op, since expiry is handled by
	// the table itself.
	DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error)

	Close() error
}
