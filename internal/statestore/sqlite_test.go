package statestore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/objectstore"
)

func newTestStore(t *testing.T) (*SQLiteStore, *objectstore.LocalStore) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := objectstore.NewLocalStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	store, err := NewSQLiteStore(filepath.Join(dir, "state.db"), blobs)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, blobs
}

func TestCreateAndGetRun_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, domain.CreateRunInput{
		AppID: "app-1", BoardID: "board-1", Mode: domain.ModeLocal, InputPayloadLen: 42,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != domain.StatusPending {
		t.Fatalf("expected pending status, got %s", run.Status)
	}

	got, err := store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.AppID != "app-1" || got.BoardID != "board-1" || got.InputPayloadLen != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetRun(context.Background(), "does-not-exist")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestUpdateRun_RejectsTerminalTransition(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, domain.CreateRunInput{AppID: "a", BoardID: "b", Mode: domain.ModeLocal})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	completed := domain.StatusCompleted
	if _, err := store.UpdateRun(ctx, run.RunID, domain.UpdateRunInput{Status: &completed}); err != nil {
		t.Fatalf("UpdateRun to completed: %v", err)
	}

	running := domain.StatusRunning
	_, err = store.UpdateRun(ctx, run.RunID, domain.UpdateRunInput{Status: &running})
	if !IsTerminalRun(err) {
		t.Fatalf("expected terminal run error, got %v", err)
	}
}

func TestAppendEvent_MonotonicSequence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, domain.CreateRunInput{AppID: "a", BoardID: "b", Mode: domain.ModeLocal})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	lastSeq := int64(-1)
	for i := 0; i < 5; i++ {
		ev, err := store.AppendEvent(ctx, domain.Event{RunID: run.RunID, AppID: "a", Type: "tick", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if ev.Sequence <= lastSeq {
			t.Fatalf("sequence not monotonic: got %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
	}

	events, err := store.ListEventsByRun(ctx, run.RunID, -1, false, 10)
	if err != nil {
		t.Fatalf("ListEventsByRun: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i)
		}
	}
}

func TestAppendEvent_SpilloverIsTransparent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRunInput())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	big := make([]byte, domain.SpilloverThreshold+1)
	for i := range big {
		big[i] = 'x'
	}
	payload, _ := json.Marshal(map[string]string{"data": string(big)})

	ev, err := store.AppendEvent(ctx, domain.Event{RunID: run.RunID, AppID: run.AppID, Type: "large", Payload: payload})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ev.PayloadRef == "" {
		t.Fatal("expected payload to spill to object store")
	}
	if len(ev.Payload) != 0 {
		t.Fatal("expected in-row payload to be cleared after spillover")
	}

	resolved, err := store.ResolveEventPayload(ctx, ev)
	if err != nil {
		t.Fatalf("ResolveEventPayload: %v", err)
	}
	if string(resolved) != string(payload) {
		t.Fatal("resolved payload does not match original")
	}
}

func TestDeleteExpiredRuns(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := store.CreateRun(ctx, domain.CreateRunInput{AppID: "a", BoardID: "b", Mode: domain.ModeLocal, ExpiresAt: &past})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	n, err := store.DeleteExpiredRuns(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired run deleted, got %d", n)
	}
}

func newRunInput() domain.CreateRunInput {
	return domain.CreateRunInput{AppID: "app-1", BoardID: "board-1", Mode: domain.ModeLocal}
}

func TestGetRunForApp_ScopesToOwningApp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, domain.CreateRunInput{AppID: "app-1", BoardID: "b", Mode: domain.ModeLocal})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := store.GetRunForApp(ctx, run.RunID, "app-1")
	if err != nil {
		t.Fatalf("GetRunForApp: %v", err)
	}
	if got.RunID != run.RunID {
		t.Fatalf("expected run %s, got %s", run.RunID, got.RunID)
	}

	_, err = store.GetRunForApp(ctx, run.RunID, "app-2")
	if !IsNotFound(err) {
		t.Fatalf("expected not found for mismatched app, got %v", err)
	}
}

func TestGetMaxSequence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRunInput())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	seq, err := store.GetMaxSequence(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetMaxSequence on empty run: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected 0 for empty run, got %d", seq)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.AppendEvent(ctx, domain.Event{RunID: run.RunID, AppID: run.AppID, Type: "tick", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	seq, err = store.GetMaxSequence(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetMaxSequence: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected max sequence 2 after 3 events, got %d", seq)
	}
}

func TestPushEvents_BatchAssignsMonotonicSequences(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRunInput())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ins := make([]domain.CreateEventInput, 4)
	for i := range ins {
		ins[i] = domain.CreateEventInput{RunID: run.RunID, AppID: run.AppID, Type: "tick", Payload: json.RawMessage(`{}`)}
	}

	n, err := store.PushEvents(ctx, ins)
	if err != nil {
		t.Fatalf("PushEvents: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 events written, got %d", n)
	}

	events, err := store.ListEventsByRun(ctx, run.RunID, -1, false, 10)
	if err != nil {
		t.Fatalf("ListEventsByRun: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i)
		}
	}
}

func TestMarkEventsDelivered_FiltersFromUndeliveredQuery(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRunInput())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ev, err := store.AppendEvent(ctx, domain.Event{RunID: run.RunID, AppID: run.AppID, Type: "tick", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		ids = append(ids, ev.EventID)
	}

	if err := store.MarkEventsDelivered(ctx, ids[:2]); err != nil {
		t.Fatalf("MarkEventsDelivered: %v", err)
	}

	undelivered, err := store.ListEventsByRun(ctx, run.RunID, -1, true, 10)
	if err != nil {
		t.Fatalf("ListEventsByRun(onlyUndelivered): %v", err)
	}
	if len(undelivered) != 1 {
		t.Fatalf("expected 1 undelivered event, got %d", len(undelivered))
	}
	if undelivered[0].EventID != ids[2] {
		t.Fatalf("expected the last event to remain undelivered, got %s", undelivered[0].EventID)
	}
}

func TestListEventsByRun_ResolvesSpilledPayloadTransparently(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRunInput())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	big := make([]byte, domain.SpilloverThreshold+1)
	for i := range big {
		big[i] = 'x'
	}
	payload, _ := json.Marshal(map[string]string{"data": string(big)})

	if _, err := store.AppendEvent(ctx, domain.Event{RunID: run.RunID, AppID: run.AppID, Type: "large", Payload: payload}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := store.ListEventsByRun(ctx, run.RunID, -1, false, 10)
	if err != nil {
		t.Fatalf("ListEventsByRun: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].PayloadRef == "" {
		t.Fatal("expected event to carry a payload_ref")
	}
	if string(events[0].Payload) != string(payload) {
		t.Fatal("expected ListEventsByRun to transparently resolve the spilled payload")
	}
}
