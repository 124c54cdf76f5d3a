package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
)

// memStore is an in-memory Store double for manager tests.
type memStore struct {
	mu   sync.Mutex
	regs map[string]Registration
}

func newMemStore() *memStore {
	return &memStore{regs: make(map[string]Registration)}
}

func (s *memStore) SaveRegistration(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.EventID] = reg
	return nil
}

func (s *memStore) DeleteRegistration(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, eventID)
	return nil
}

func (s *memStore) ListRegistrations(ctx context.Context) ([]Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, r)
	}
	return out, nil
}

// countingSink records how many times Start is called so tests can assert
// start-once semantics, and tracks the registrations it has seen.
type countingSink struct {
	mu             sync.Mutex
	starts         int
	registers      []Registration
	unregisters    []Registration
	stopped        bool
	failUnregister bool
}

var errUnregisterRefused = errors.New("on_unregister refused")

func (s *countingSink) Start(ctx context.Context, bus *Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *countingSink) OnRegister(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers = append(s.registers, reg)
	return nil
}

func (s *countingSink) OnUnregister(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisters = append(s.unregisters, reg)
	if s.failUnregister {
		return errUnregisterRefused
	}
	return nil
}

func (s *countingSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *countingSink) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// fakeExternalBus records every event published to it.
type fakeExternalBus struct {
	mu       sync.Mutex
	received []BusEvent
	accept   bool
}

func newFakeExternalBus(accept bool) *fakeExternalBus {
	return &fakeExternalBus{accept: accept}
}

func (b *fakeExternalBus) Publish(ctx context.Context, ev BusEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.accept {
		return false
	}
	b.received = append(b.received, ev)
	return true
}

func (b *fakeExternalBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.received)
}

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if get() >= want {
			return
		}
		runtime.Gosched()
	}
	t.Fatalf("timed out waiting for count to reach %d, got %d", want, get())
}

// TestEnsureSinkStarted_IsIdempotent pins the "start-once" invariant: many
// registrations of the same type_tag share a single running sink.
func TestEnsureSinkStarted_IsIdempotent(t *testing.T) {
	sink := &countingSink{}
	registry := NewRegistry()
	registry.Register("cron", func() Sink { return sink })

	mgr := NewManager(registry, newMemStore(), nil)
	defer mgr.Shutdown()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		reg := Registration{EventID: "ev" + string(rune('1'+i)), AppID: "app1", TypeTag: "cron", Config: json.RawMessage(`{"expression":"* * * * *"}`)}
		if err := mgr.Register(ctx, reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if got := sink.startCount(); got != 1 {
		t.Fatalf("expected sink to start exactly once, started %d times", got)
	}
	if got := len(sink.registers); got != 3 {
		t.Fatalf("expected 3 OnRegister calls, got %d", got)
	}
}

// TestManager_CronFireEvent pins scenario E1: registering a cron sink and
// firing an event delivers it to the external bus with its event_id, app_id
// and payload intact.
func TestManager_CronFireEvent(t *testing.T) {
	sink := &countingSink{}
	registry := NewRegistry()
	registry.Register("cron", func() Sink { return sink })

	bus := newFakeExternalBus(true)
	mgr := NewManager(registry, newMemStore(), bus)
	defer mgr.Shutdown()

	ctx := context.Background()
	reg := Registration{
		EventID: "ev1",
		AppID:   "app1",
		TypeTag: "cron",
		Config:  json.RawMessage(`{"expression":"* * * * *"}`),
		Offline: true,
	}
	if err := mgr.Register(ctx, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := mgr.Registrations()["ev1"]; !ok {
		t.Fatal("expected ev1 to be an active registration")
	}

	payload, _ := json.Marshal(map[string]int{"x": 1})
	delivered := mgr.FireEvent(ctx, BusEvent{EventID: "ev1", AppID: "app1", Type: "tick", Payload: payload})
	if !delivered {
		t.Fatal("expected FireEvent to report delivered=true when Fire succeeds")
	}

	waitForCount(t, bus.count, 1)
	got := bus.received[0]
	if got.EventID != "ev1" || got.AppID != "app1" || string(got.Payload) != string(payload) {
		t.Fatalf("unexpected delivered event: %+v", got)
	}
}

func TestManager_FireEvent_NoExternalBusReportsNotDelivered(t *testing.T) {
	registry := NewRegistry()
	mgr := NewManager(registry, newMemStore(), nil)
	defer mgr.Shutdown()

	delivered := mgr.FireEvent(context.Background(), BusEvent{EventID: "ev1", AppID: "app1", Type: "tick"})
	if delivered {
		t.Fatal("FireEvent reports delivered=false when no external bus is configured")
	}
}

func TestManager_RegisterUnknownTypeTagFails(t *testing.T) {
	registry := NewRegistry()
	mgr := NewManager(registry, newMemStore(), nil)
	defer mgr.Shutdown()

	err := mgr.Register(context.Background(), Registration{EventID: "ev1", AppID: "app1", TypeTag: "unknown"})
	if err == nil {
		t.Fatal("expected Register to fail for an unregistered type_tag")
	}
}

func TestManager_Unregister_RemovesRegistrationButKeepsSinkRunning(t *testing.T) {
	sink := &countingSink{}
	registry := NewRegistry()
	registry.Register("cron", func() Sink { return sink })

	store := newMemStore()
	mgr := NewManager(registry, store, nil)
	defer mgr.Shutdown()

	ctx := context.Background()
	reg := Registration{EventID: "ev1", AppID: "app1", TypeTag: "cron"}
	if err := mgr.Register(ctx, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := mgr.Unregister(ctx, "ev1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	if _, ok := mgr.Registrations()["ev1"]; ok {
		t.Fatal("expected registration to be gone after Unregister")
	}
	if sink.stopped {
		t.Fatal("expected the shared sink to keep running after a single registration is removed")
	}

	regs, err := store.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if len(regs) != 0 {
		t.Fatalf("expected the durable store to drop the registration too, got %d", len(regs))
	}
}

func TestManager_Rehydrate_RestartsSinksFromStore(t *testing.T) {
	sink := &countingSink{}
	registry := NewRegistry()
	registry.Register("cron", func() Sink { return sink })

	store := newMemStore()
	store.regs["ev1"] = Registration{EventID: "ev1", AppID: "app1", TypeTag: "cron"}
	store.regs["ev2"] = Registration{EventID: "ev2", AppID: "app1", TypeTag: "cron"}

	mgr := NewManager(registry, store, nil)
	defer mgr.Shutdown()

	if err := mgr.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if got := sink.startCount(); got != 1 {
		t.Fatalf("expected rehydrate to start the shared sink once, started %d times", got)
	}
	if got := len(mgr.Registrations()); got != 2 {
		t.Fatalf("expected both rehydrated registrations to be active, got %d", got)
	}
	if got := len(sink.registers); got != 0 {
		t.Fatalf("expected rehydrate not to re-issue on_register for existing rows, got %d calls", got)
	}
}

func TestManager_Unregister_CallsOnUnregisterBeforeDeleting(t *testing.T) {
	sink := &countingSink{}
	registry := NewRegistry()
	registry.Register("cron", func() Sink { return sink })

	store := newMemStore()
	mgr := NewManager(registry, store, nil)
	defer mgr.Shutdown()

	ctx := context.Background()
	if err := mgr.Register(ctx, Registration{EventID: "ev1", AppID: "app1", TypeTag: "cron"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sink.failUnregister = true
	if err := mgr.Unregister(ctx, "ev1"); err == nil {
		t.Fatal("expected Unregister to surface an on_unregister failure")
	}

	if len(sink.unregisters) != 1 {
		t.Fatalf("expected on_unregister to be called once, got %d", len(sink.unregisters))
	}
	if _, ok := mgr.Registrations()["ev1"]; !ok {
		t.Fatal("expected the registration to survive a failed on_unregister for retry")
	}
	regs, err := store.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("expected the durable record to survive a failed on_unregister, got %d", len(regs))
	}

	sink.failUnregister = false
	if err := mgr.Unregister(ctx, "ev1"); err != nil {
		t.Fatalf("Unregister after clearing failure: %v", err)
	}
	if _, ok := mgr.Registrations()["ev1"]; ok {
		t.Fatal("expected registration gone once on_unregister succeeds")
	}
}

func TestManager_Shutdown_StopsAllStartedSinks(t *testing.T) {
	sink := &countingSink{}
	registry := NewRegistry()
	registry.Register("cron", func() Sink { return sink })

	mgr := NewManager(registry, newMemStore(), nil)
	if err := mgr.Register(context.Background(), Registration{EventID: "ev1", AppID: "app1", TypeTag: "cron"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !sink.stopped {
		t.Fatal("expected Shutdown to stop the running sink")
	}
}
