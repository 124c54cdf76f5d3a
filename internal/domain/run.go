// Package domain holds the cross-cutting vocabulary shared by the plugin
// host, job dispatcher, event sink manager, and state store: runs, events,
// dispatch payloads, and the capability/security model that gates plugin
// instances. Concrete node semantics are deliberately not modelled here.
package domain

import "time"

// RunMode identifies which executor backend produced a Run.
type RunMode string

const (
	ModeLocal              RunMode = "local"
	ModeHttp                RunMode = "http"
	ModeLambda              RunMode = "lambda"
	ModeKubernetesIsolated  RunMode = "kubernetes_isolated"
	ModeKubernetesPool      RunMode = "kubernetes_pool"
	ModeFunction            RunMode = "function"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status represents a final state; once a run
// reaches a terminal status it is never transitioned again.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// DefaultRunTTL is applied to a Run's expires_at when the caller does not
// supply one at creation time.
const DefaultRunTTL = 24 * time.Hour

// BoardVersion is the (major, minor, patch) tuple identifying a board
// revision a run was compiled against.
type BoardVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Run is one execution of a graph from a starting node.
type Run struct {
	RunID          string        `json:"run_id"`
	AppID          string        `json:"app_id"`
	BoardID        string        `json:"board_id"`
	BoardVersion   *BoardVersion `json:"board_version,omitempty"`
	EventID        string        `json:"event_id,omitempty"`
	Mode           RunMode       `json:"mode"`
	Status         RunStatus     `json:"status"`
	InputPayloadLen  int         `json:"input_payload_len"`
	OutputPayloadLen int         `json:"output_payload_len"`
	Progress       int           `json:"progress"` // 0..=100
	CurrentStep    string        `json:"current_step,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	UserID         string        `json:"user_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// Expired reports whether the run has passed its TTL as of now.
func (r *Run) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// CreateRunInput carries the fields a caller may set when starting a run.
// Fields left zero are filled in by the store (status, timestamps, TTL).
type CreateRunInput struct {
	RunID          string
	AppID          string
	BoardID        string
	BoardVersion   *BoardVersion
	EventID        string
	Mode           RunMode
	InputPayloadLen int
	UserID         string
	ExpiresAt      *time.Time
}

// UpdateRunInput carries optional partial updates to an existing run. Only
// non-nil fields are applied by the store.
type UpdateRunInput struct {
	Status           *RunStatus
	OutputPayloadLen *int
	Progress         *int
	CurrentStep      *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     *string
}
