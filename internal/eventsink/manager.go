package eventsink

import (
	"context"
	"fmt"
	"sync"

	"github.com/flow-like/substrate/internal/logging"
)

// Store persists registrations durably so the manager can rehydrate sinks
// on startup. RegistrationStore (sqlite_store.go) implements it over its own
// SQLite table.
type Store interface {
	SaveRegistration(ctx context.Context, reg Registration) error
	DeleteRegistration(ctx context.Context, eventID string) error
	ListRegistrations(ctx context.Context) ([]Registration, error)
}

// Manager owns the set of running sinks and the registrations bound to
// them. A sink is started the first time any registration of its kind is
// added, and stays running (shared across all registrations of that kind)
// until the manager shuts down.
type Manager struct {
	registry *Registry
	store    Store
	bus      *Bus
	extBus   ExternalBus

	mu            sync.Mutex
	startedSinks  map[string]Sink            // type_tag -> running sink
	registrations map[string]Registration    // event_id -> registration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewManager builds a Manager. extBus may be nil, in which case FireEvent
// always reports delivered=false.
func NewManager(registry *Registry, store Store, extBus ExternalBus) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:      registry,
		store:         store,
		bus:           NewBus(256),
		extBus:        extBus,
		startedSinks:  make(map[string]Sink),
		registrations: make(map[string]Registration),
		ctx:           ctx,
		cancel:        cancel,
	}
	go m.drain()
	return m
}

// drain forwards bus events to the external bus, logging (not failing) when
// none is configured or delivery is refused.
func (m *Manager) drain() {
	for ev := range m.bus.Events() {
		if m.extBus == nil {
			logging.Op().Debug("event sink fired with no external bus configured", "event_id", ev.EventID, "app_id", ev.AppID)
			continue
		}
		if !m.extBus.Publish(m.ctx, ev) {
			logging.Op().Debug("event bus declined delivery", "event_id", ev.EventID, "app_id", ev.AppID)
		}
	}
}

// Rehydrate loads all registrations from the store and starts one sink per
// distinct type_tag present. It does not re-issue on_register for existing
// rows: a sink reads its own state from the store, so calling activate per
// row here would replay every registration's side effects on every restart.
// Call once at startup after NewManager.
func (m *Manager) Rehydrate(ctx context.Context) error {
	regs, err := m.store.ListRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	started := make(map[string]bool)
	for _, reg := range regs {
		if !started[reg.TypeTag] {
			if _, err := m.ensureSinkStarted(ctx, reg.TypeTag); err != nil {
				logging.Op().Warn("failed to start sink during rehydration", "type_tag", reg.TypeTag, "error", err)
				continue
			}
			started[reg.TypeTag] = true
		}
		m.registrations[reg.EventID] = reg
	}
	logging.Op().Info("event sink manager rehydrated", "registrations", len(regs), "sinks_started", len(started))
	return nil
}

// ensureSinkStarted starts the sink for typeTag if it is not already
// running. Must be called with m.mu held.
func (m *Manager) ensureSinkStarted(ctx context.Context, typeTag string) (Sink, error) {
	if sink, ok := m.startedSinks[typeTag]; ok {
		return sink, nil
	}
	sink, ok := m.registry.New(typeTag)
	if !ok {
		return nil, fmt.Errorf("no sink registered for type_tag %q", typeTag)
	}
	if err := sink.Start(ctx, m.bus); err != nil {
		return nil, fmt.Errorf("start sink %q: %w", typeTag, err)
	}
	m.startedSinks[typeTag] = sink
	logging.Op().Info("event sink started", "type_tag", typeTag)
	return sink, nil
}

// Register adds (or replaces) a registration, starting its sink kind if
// this is the first registration of that kind. When a registration with the
// same event_id is already active, its sink's OnUnregister runs first.
func (m *Manager) Register(ctx context.Context, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.registrations[reg.EventID]; ok {
		if sink, ok := m.startedSinks[old.TypeTag]; ok {
			if err := sink.OnUnregister(ctx, old); err != nil {
				return fmt.Errorf("sink %q on_unregister: %w", old.TypeTag, err)
			}
		}
	}

	if err := m.store.SaveRegistration(ctx, reg); err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return m.activate(ctx, reg)
}

// activate starts the registration's sink kind (if needed) and notifies it
// of the new registration. Must be called with m.mu held.
func (m *Manager) activate(ctx context.Context, reg Registration) error {
	sink, err := m.ensureSinkStarted(ctx, reg.TypeTag)
	if err != nil {
		return err
	}
	if err := sink.OnRegister(ctx, reg); err != nil {
		return fmt.Errorf("sink %q on_register: %w", reg.TypeTag, err)
	}
	m.registrations[reg.EventID] = reg
	return nil
}

// Unregister notifies the registration's sink, then deletes the record. The
// sink itself keeps running, shared by any remaining registrations of the
// same kind. on_unregister runs before the delete so that a failure leaves
// the record intact for retry rather than losing it silently.
func (m *Manager) Unregister(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registrations[eventID]
	if !ok {
		return fmt.Errorf("registration %q not found", eventID)
	}

	if sink, ok := m.startedSinks[reg.TypeTag]; ok {
		if err := sink.OnUnregister(ctx, reg); err != nil {
			return fmt.Errorf("sink %q on_unregister: %w", reg.TypeTag, err)
		}
	}

	if err := m.store.DeleteRegistration(ctx, eventID); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}

	delete(m.registrations, eventID)
	return nil
}

// FireEvent hands an event to the in-process bus for forwarding to the
// external bus. It never returns an error: it yields delivered=false when no
// external bus is configured or the event cannot be enqueued. Forwarding is
// asynchronous, so a refusal by the external bus itself is logged by drain,
// not reported here.
func (m *Manager) FireEvent(ctx context.Context, ev BusEvent) (delivered bool) {
	if m.extBus == nil {
		return false
	}
	if err := m.bus.Fire(ctx, ev); err != nil {
		return false
	}
	return true
}

// Shutdown stops every running sink.
func (m *Manager) Shutdown() error {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	for typeTag, sink := range m.startedSinks {
		if err := sink.Stop(); err != nil {
			logging.Op().Warn("sink stop failed", "type_tag", typeTag, "error", err)
		}
	}
	m.startedSinks = make(map[string]Sink)
	m.bus.Close()
	logging.Op().Info("event sink manager shutdown complete")
	return nil
}

// Registrations returns a snapshot of all active registrations, keyed by
// event_id.
func (m *Manager) Registrations() map[string]Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Registration, len(m.registrations))
	for k, v := range m.registrations {
		out[k] = v
	}
	return out
}
