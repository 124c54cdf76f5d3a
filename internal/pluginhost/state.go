package pluginhost

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/objectstore"
)

// streamEvent is one entry in an instance's stream-event buffer, appended
// to by the streaming ABI and drained by the host when the run finishes.
type streamEvent struct {
	EventType string          `json:"event_type"`
	Data      []byte          `json:"data"`
	Text      string          `json:"text,omitempty"`
	IsText    bool            `json:"-"`
}

// logRecord is one entry appended by the logging ABI.
type logRecord struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// wsSession is one open per-instance WebSocket connection, addressed by an
// opaque session id handed back to the guest from connect().
type wsSession struct {
	conn interface {
		WriteMessage(messageType int, data []byte) error
		ReadMessage() (int, []byte, error)
		Close() error
	}
}

// hostState is the mutable, per-instance state every ABI module reads and
// writes. A single mutex serializes all access: the spec requires host
// state mutation to be serialized per instance, and wazero may invoke host
// functions from guest code that itself fans out — so correctness does not
// depend on the guest being single-threaded.
type hostState struct {
	mu sync.Mutex

	security domain.SecurityConfig

	nodeID  string
	runID   string
	appID   string
	boardID string
	userID  string

	logLevel    string
	isStreaming bool

	variables map[string]json.RawMessage
	cache     map[string]json.RawMessage

	// currentInputs/currentOutputs/currentActivated are reset at the start
	// of each Run() call. The pins ABI (get_input/set_output/
	// activate_exec) reads and writes them directly; Run() drains
	// currentOutputs/currentActivated into the WasmExecutionResult once
	// the guest's run() call returns.
	currentInputs    map[string]json.RawMessage
	currentOutputs   map[string]json.RawMessage
	currentActivated []string

	stores map[string]objectstore.Store // store_ref -> backing store

	streamEvents []streamEvent
	logRecords   []logRecord

	wsSessions map[string]*wsSession
	nextWSID   int

	fuelRemaining uint64
	fatal         error // first resource-limit/host error observed; aborts the run

	httpClient *http.Client
}

// consumeFuel decrements the per-instance fuel counter by cost and reports
// whether enough remained. Called at the top of every host ABI function so
// exhaustion is caught before any side effect. On exhaustion it latches a
// ResourceLimit error that aborts the run once control returns to the host.
func (s *hostState) consumeFuel(cost uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fuelRemaining < cost {
		s.fuelRemaining = 0
		if s.fatal == nil {
			s.fatal = newErr(ErrorResourceLimit, "consumeFuel", errFuelExhausted)
		}
		return false
	}
	s.fuelRemaining -= cost
	return true
}

func (s *hostState) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// hostFuelCostPerCall is charged against the instance's fuel budget for
// every host ABI invocation. wazero exposes no stable per-instruction
// metering API, so fuel here approximates CPU bound by the number of host
// crossings a guest makes rather than true instruction count.
const hostFuelCostPerCall uint64 = 1

type stateCtxKey struct{}

func contextWithState(ctx context.Context, s *hostState) context.Context {
	return context.WithValue(ctx, stateCtxKey{}, s)
}

func stateFromContext(ctx context.Context) *hostState {
	s, _ := ctx.Value(stateCtxKey{}).(*hostState)
	return s
}
