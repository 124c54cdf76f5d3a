package eventsink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func newTestRegistrationStore(t *testing.T) *RegistrationStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewRegistrationStore(filepath.Join(dir, "registrations.db"))
	if err != nil {
		t.Fatalf("NewRegistrationStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndListRegistrations_RoundTrip(t *testing.T) {
	store := newTestRegistrationStore(t)
	ctx := context.Background()

	reg := Registration{
		EventID:             "evt-1",
		AppID:               "app-1",
		TypeTag:             "webhook",
		Config:              json.RawMessage(`{"path":"/hooks/app-1"}`),
		Offline:             false,
		PersonalAccessToken: "pat-123",
	}
	if err := store.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("SaveRegistration: %v", err)
	}

	got, err := store.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(got))
	}
	if got[0].EventID != reg.EventID || got[0].AppID != reg.AppID || got[0].TypeTag != reg.TypeTag {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
	if string(got[0].Config) != string(reg.Config) {
		t.Fatalf("config mismatch: got %s, want %s", got[0].Config, reg.Config)
	}
	if got[0].PersonalAccessToken != reg.PersonalAccessToken {
		t.Fatalf("personal access token mismatch: got %q, want %q", got[0].PersonalAccessToken, reg.PersonalAccessToken)
	}
}

func TestSaveRegistration_UpsertOverwritesExisting(t *testing.T) {
	store := newTestRegistrationStore(t)
	ctx := context.Background()

	reg := Registration{EventID: "evt-1", AppID: "app-1", TypeTag: "cron", Config: json.RawMessage(`{"schedule":"* * * * *"}`)}
	if err := store.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("SaveRegistration (initial): %v", err)
	}

	reg.TypeTag = "redis_stream"
	reg.Config = json.RawMessage(`{"stream":"events"}`)
	reg.Offline = true
	if err := store.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("SaveRegistration (upsert): %v", err)
	}

	got, err := store.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(got))
	}
	if got[0].TypeTag != "redis_stream" || !got[0].Offline {
		t.Fatalf("expected upsert to overwrite fields, got %+v", got[0])
	}
}

func TestDeleteRegistration(t *testing.T) {
	store := newTestRegistrationStore(t)
	ctx := context.Background()

	reg := Registration{EventID: "evt-1", AppID: "app-1", TypeTag: "webhook", Config: json.RawMessage(`{}`)}
	if err := store.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("SaveRegistration: %v", err)
	}

	if err := store.DeleteRegistration(ctx, reg.EventID); err != nil {
		t.Fatalf("DeleteRegistration: %v", err)
	}

	got, err := store.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no registrations after delete, got %d", len(got))
	}
}

func TestDeleteRegistration_MissingIDIsNoop(t *testing.T) {
	store := newTestRegistrationStore(t)
	if err := store.DeleteRegistration(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("DeleteRegistration on missing id should be a no-op, got %v", err)
	}
}

func TestListRegistrations_EmptyStore(t *testing.T) {
	store := newTestRegistrationStore(t)
	got, err := store.ListRegistrations(context.Background())
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store to list zero registrations, got %d", len(got))
	}
}
