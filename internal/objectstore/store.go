// Package objectstore provides the put_blob/get_blob primitive used by the
// state store to spill large event payloads out of the primary database.
package objectstore

import "context"

// Store is the minimal blob primitive spillover is built on. Keys are
// opaque paths (e.g. "polling/{run_id}/{event_id}.json"); callers never
// construct a full store:// URI, that scheme is owned by statestore.
type Store interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, key string) error
	// ListBlobs returns every key with the given prefix. Used by the
	// plugin host's storage ABI (list_files) to enumerate a FlowPath.
	ListBlobs(ctx context.Context, prefix string) ([]string, error)
}
