package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/objectstore"
)

// spillover composes an objectstore.Store into the transparent
// above-threshold payload move every backend shares. It is not a Store
// itself; SQLiteStore, DynamoStore and PostgresStore each embed one and call
// its methods from AppendEvent/PushEvents/ListEventsByRun/ResolveEventPayload
// so the spillover policy lives in
// exactly one place.
type spillover struct {
	blobs objectstore.Store
}

func newSpillover(blobs objectstore.Store) *spillover {
	return &spillover{blobs: blobs}
}

// apply inspects ev.Payload and, if it exceeds domain.SpilloverThreshold,
// writes it to the object store and replaces Payload with a store://
// reference. ev is mutated in place and also returned for convenience.
func (s *spillover) apply(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	if len(ev.Payload) <= domain.SpilloverThreshold {
		return ev, nil
	}
	if s.blobs == nil {
		return nil, newErr(ErrorConfiguration, "spillover.apply", fmt.Errorf("payload %d bytes exceeds threshold but no object store is configured", len(ev.Payload)))
	}

	key := fmt.Sprintf("polling/%s/%s.json", ev.RunID, ev.EventID)
	if err := s.blobs.PutBlob(ctx, key, ev.Payload); err != nil {
		return nil, newErr(ErrorObjectStore, "spillover.apply", err)
	}

	ev.PayloadRef = domain.StoreRefScheme + key
	ev.Payload = nil
	return ev, nil
}

// resolve returns ev's payload, fetching it from the object store if it
// was spilled (PayloadRef set), otherwise returning the inline payload.
func (s *spillover) resolve(ctx context.Context, ev *domain.Event) ([]byte, error) {
	if ev.PayloadRef == "" {
		return ev.Payload, nil
	}
	if s.blobs == nil {
		return nil, newErr(ErrorConfiguration, "spillover.resolve", fmt.Errorf("event %s has a spilled payload but no object store is configured", ev.EventID))
	}

	key := ev.PayloadRef[len(domain.StoreRefScheme):]
	data, err := s.blobs.GetBlob(ctx, key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newErr(ErrorNotFound, "spillover.resolve", err)
		}
		return nil, newErr(ErrorObjectStore, "spillover.resolve", err)
	}
	return data, nil
}

// marshalPayload is a small helper used by backends to JSON-encode an
// event payload consistently before spillover sizing is checked.
func marshalPayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
