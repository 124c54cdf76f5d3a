package objectstore

import (
	"context"
	"errors"
	"os"
	"sort"
	"testing"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return store
}

func TestLocalStore_PutGetBlob_RoundTrip(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	if err := store.PutBlob(ctx, "apps/app-1/events/ev1", []byte("payload")); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	got, err := store.GetBlob(ctx, "apps/app-1/events/ev1")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("GetBlob() = %q, want %q", got, "payload")
	}
}

func TestLocalStore_GetBlob_MissingKeyReturnsNotExist(t *testing.T) {
	store := newTestLocalStore(t)
	_, err := store.GetBlob(context.Background(), "does/not/exist")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalStore_DeleteBlob_MissingKeyIsNoop(t *testing.T) {
	store := newTestLocalStore(t)
	if err := store.DeleteBlob(context.Background(), "does/not/exist"); err != nil {
		t.Fatalf("expected delete of missing key to be a no-op, got %v", err)
	}
}

func TestLocalStore_DeleteBlob_RemovesExistingKey(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	if err := store.PutBlob(ctx, "a/b", []byte("x")); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if err := store.DeleteBlob(ctx, "a/b"); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if _, err := store.GetBlob(ctx, "a/b"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected blob to be gone after delete, got err %v", err)
	}
}

func TestLocalStore_ListBlobs_ReturnsKeysUnderPrefix(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	keys := []string{
		"apps/app-1/events/ev1",
		"apps/app-1/events/ev2",
		"apps/app-2/events/ev3",
	}
	for _, k := range keys {
		if err := store.PutBlob(ctx, k, []byte("data")); err != nil {
			t.Fatalf("PutBlob(%s): %v", k, err)
		}
	}

	got, err := store.ListBlobs(ctx, "apps/app-1")
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	sort.Strings(got)
	want := []string{"apps/app-1/events/ev1", "apps/app-1/events/ev2"}
	if len(got) != len(want) {
		t.Fatalf("ListBlobs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListBlobs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLocalStore_ListBlobs_MissingPrefixReturnsEmpty(t *testing.T) {
	store := newTestLocalStore(t)
	got, err := store.ListBlobs(context.Background(), "nothing/here")
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no keys under a nonexistent prefix, got %v", got)
	}
}
