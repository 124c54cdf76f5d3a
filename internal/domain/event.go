package domain

import (
	"encoding/json"
	"time"
)

// Event is a persisted occurrence routed through the event sink manager,
// either delivered to an external event bus or polled by a client.
type Event struct {
	EventID    string          `json:"event_id"`
	AppID      string          `json:"app_id"`
	RunID      string          `json:"run_id,omitempty"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRef string          `json:"payload_ref,omitempty"` // store:// reference when spilled
	Delivered  bool            `json:"delivered"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// CreateEventInput is one event in a Store.PushEvents batch. The store
// assigns EventID, Sequence, CreatedAt, and ExpiresAt the same way a single
// AppendEvent call does.
type CreateEventInput struct {
	RunID   string          `json:"run_id"`
	AppID   string          `json:"app_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SpilloverThreshold is the payload size, in bytes, above which the state
// store moves a payload to the object store and replaces it with a
// store:// reference.
const SpilloverThreshold = 100 * 1024

// StoreRefScheme is the URI scheme used for spilled payload references.
const StoreRefScheme = "store://"

// RegistrationStatus is the lifecycle state of a sink registration.
type RegistrationStatus string

const (
	RegistrationActive   RegistrationStatus = "active"
	RegistrationOffline  RegistrationStatus = "offline"
	RegistrationDisabled RegistrationStatus = "disabled"
)

// Registration binds an app's event source configuration to a sink
// implementation, keyed by EventID. Many registrations can share a sink
// kind; the sink itself is started once per kind, not once per
// registration.
type Registration struct {
	EventID             string          `json:"event_id"`
	AppID               string          `json:"app_id"`
	TypeTag             string          `json:"type_tag"`
	Config              json.RawMessage `json:"config"`
	Offline             bool            `json:"offline"`
	PersonalAccessToken string          `json:"personal_access_token,omitempty"`
	Status              RegistrationStatus `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}
