package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flow-like/substrate/internal/circuitbreaker"
	"github.com/flow-like/substrate/internal/domain"
)

type fakeBackend struct {
	name  domain.Backend
	fail  error
	calls int
}

func (f *fakeBackend) Name() domain.Backend { return f.name }

func (f *fakeBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	return &domain.DispatchResponse{JobID: req.JobID, StatusCode: 200}, nil
}

type fakeStreamingBackend struct {
	fakeBackend
	chunks []domain.StreamChunk
}

func (f *fakeStreamingBackend) DispatchStream(ctx context.Context, req domain.DispatchRequest) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestDispatchRoutesToNamedBackend(t *testing.T) {
	d := New(circuitbreaker.Config{})
	fb := &fakeBackend{name: domain.BackendHttp}
	d.Register(fb)

	resp, err := d.Dispatch(context.Background(), domain.DispatchRequest{JobID: "job-1", Backend: domain.BackendHttp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.JobID != "job-1" {
		t.Fatalf("expected job-1, got %s", resp.JobID)
	}
	if fb.calls != 1 {
		t.Fatalf("expected 1 call, got %d", fb.calls)
	}
}

func TestDispatchUnknownBackendFails(t *testing.T) {
	d := New(circuitbreaker.Config{})
	_, err := d.Dispatch(context.Background(), domain.DispatchRequest{JobID: "job-1", Backend: domain.BackendSqs})
	if err == nil {
		t.Fatal("expected error for unregistered backend")
	}
	var de *DispatchError
	if !errors.As(err, &de) || de.Kind != ErrorConfiguration {
		t.Fatalf("expected ErrorConfiguration, got %v", err)
	}
}

func TestDispatchStreamRejectsNonStreamingBackend(t *testing.T) {
	d := New(circuitbreaker.Config{})
	d.Register(&fakeBackend{name: domain.BackendHttp})

	_, err := d.DispatchStream(context.Background(), domain.DispatchRequest{JobID: "job-1", Backend: domain.BackendHttp})
	if err == nil {
		t.Fatal("expected error dispatching stream to a non-streaming backend")
	}
}

func TestDispatchStreamDeliversChunksInOrder(t *testing.T) {
	d := New(circuitbreaker.Config{})
	sb := &fakeStreamingBackend{
		fakeBackend: fakeBackend{name: domain.BackendHttpSse},
		chunks: []domain.StreamChunk{
			{Data: []byte("a")},
			{Data: []byte("b")},
			{Done: true},
		},
	}
	d.Register(sb)

	ch, err := d.DispatchStream(context.Background(), domain.DispatchRequest{JobID: "job-1", Backend: domain.BackendHttpSse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for chunk := range ch {
		if chunk.Done {
			break
		}
		got = append(got, string(chunk.Data))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b] in order, got %v", got)
	}
}

func TestDispatchOpenCircuitRejectsWithoutCallingBackend(t *testing.T) {
	d := New(circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   time.Minute,
		HalfOpenProbes: 1,
	})
	fb := &fakeBackend{name: domain.BackendHttp, fail: errors.New("boom")}
	d.Register(fb)

	ctx := context.Background()
	req := domain.DispatchRequest{JobID: "job-1", Backend: domain.BackendHttp}

	// The first failure is a 100% error rate against a 50% threshold and
	// trips the breaker open; the second dispatch is already rejected.
	_, _ = d.Dispatch(ctx, req)
	_, _ = d.Dispatch(ctx, req)

	callsBeforeTrip := fb.calls
	_, err := d.Dispatch(ctx, req)
	if err == nil {
		t.Fatal("expected dispatch to fail once the circuit is open")
	}
	if fb.calls != callsBeforeTrip {
		t.Fatalf("expected no further backend calls once circuit is open, calls went from %d to %d", callsBeforeTrip, fb.calls)
	}
}
