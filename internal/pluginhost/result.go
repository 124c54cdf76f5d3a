package pluginhost

import "encoding/json"

// InvocationContext carries the identifiers and options the host exposes to
// a guest through the metadata ABI. The executor assembles it from the
// DispatchRequest plus the run/board/user it is currently servicing; it is
// not itself part of the wire DispatchRequest because a single dispatch can
// fan out to many node invocations, each with its own node_id.
type InvocationContext struct {
	NodeID      string
	RunID       string
	AppID       string
	BoardID     string
	UserID      string
	LogLevel    string
	IsStreaming bool
}

// FlowPath lets a plugin address files without naming a concrete object
// store: store_ref/cache_store_ref are stable hash strings an Instance's
// registered stores are keyed by (see Instance.RegisterStore).
type FlowPath struct {
	Path          string `json:"path"`
	StoreRef      string `json:"store_ref"`
	CacheStoreRef string `json:"cache_store_ref,omitempty"`
}

// NodeDef describes one node exposed by a plugin, as returned by a single
// get_nodes() call per LoadedModule (cacheable by source mtime).
type NodeDef struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ExecInput is what the host passes to a single run() call: the node's
// resolved inputs plus the identifiers and streaming/log state the guest
// needs via the metadata ABI without an extra host round-trip.
type ExecInput struct {
	NodeID      string          `json:"node_id"`
	Inputs      json.RawMessage `json:"inputs"`
	StreamState json.RawMessage `json:"stream_state,omitempty"`
	LogLevel    string          `json:"log_level"`
}

// WasmExecutionResult is everything the host collects from a single run():
// pin outputs, activated execution pins, any streamed events, and log
// records. Instance.Run returns it only for a successful call; a failed run
// returns an error and no partial outputs or log records.
type WasmExecutionResult struct {
	Outputs        map[string]json.RawMessage `json:"outputs"`
	ActivatedExecs []string                   `json:"activated_execs"`
	StreamEvents   []StreamEvent              `json:"stream_events,omitempty"`
	LogRecords     []LogRecord                `json:"log_records,omitempty"`
}

// StreamEvent is one entry emitted by the streaming ABI (emit/text) during
// a run, surfaced to the caller after the call returns.
type StreamEvent struct {
	EventType string `json:"event_type"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// LogRecord is one entry appended by the logging ABI during a run.
type LogRecord struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
