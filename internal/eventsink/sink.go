// Package eventsink manages event source registrations and the external
// sinks that feed them: cron schedules, inbound webhooks, and Redis Stream
// consumers. A sink is started once per sink kind (type_tag), never once per
// registration: many registrations of the same kind share one running
// connection, matching how a single Redis Stream consumer or cron
// dispatcher can serve many registered apps at once.
package eventsink

import (
	"context"
	"encoding/json"
)

// Sink is an external event source. Start is called at most once per
// registered type_tag for the lifetime of the manager; OnRegister and
// OnUnregister are called once per Registration and must be safe to call
// concurrently with an already-running Start.
type Sink interface {
	// Start begins consuming events for this sink kind. It returns once
	// the sink is ready to accept registrations, and keeps running in the
	// background until Stop is called.
	Start(ctx context.Context, bus *Bus) error

	// OnRegister is invoked when a new registration of this sink's kind
	// is added, after Start has returned for the kind.
	OnRegister(ctx context.Context, reg Registration) error

	// OnUnregister is invoked when a registration of this sink's kind is
	// removed.
	OnUnregister(ctx context.Context, reg Registration) error

	// Stop tears down the sink's background resources. Called when the
	// manager itself shuts down.
	Stop() error
}

// Registration binds an app's event source configuration to a sink kind.
// EventID is the primary key; many registrations can share a TypeTag.
type Registration struct {
	EventID             string
	AppID               string
	TypeTag             string
	Config              json.RawMessage
	Offline             bool
	PersonalAccessToken string
}

// SinkFactory constructs a new Sink instance for a type_tag the first time
// that kind is needed.
type SinkFactory func() Sink

// Registry maps type_tag to the factory that builds sinks of that kind.
type Registry struct {
	factories map[string]SinkFactory
}

// NewRegistry returns an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SinkFactory)}
}

// Register adds a factory for the given type_tag. Registering the same
// type_tag twice replaces the previous factory.
func (r *Registry) Register(typeTag string, factory SinkFactory) {
	r.factories[typeTag] = factory
}

// New constructs a fresh Sink for typeTag, or reports ok=false if no
// factory was registered for that kind.
func (r *Registry) New(typeTag string) (Sink, bool) {
	f, ok := r.factories[typeTag]
	if !ok {
		return nil, false
	}
	return f(), true
}
