package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/metrics"
	"github.com/flow-like/substrate/internal/objectstore"
)

// Instance is one guest module instantiation bound to a single
// InvocationContext and SecurityConfig. Instances must never be shared
// across concurrent invocations — call Instantiate again for the next one.
type Instance struct {
	mod   api.Module
	state *hostState
}

// Instantiate builds host state from inv and security, then instantiates a
// fresh copy of the guest module against it. Engines may be reused; the
// returned Instance must not.
func (m *LoadedModule) Instantiate(ctx context.Context, security domain.SecurityConfig, inv InvocationContext) (*Instance, error) {
	security = security.WithDefaults()

	state := &hostState{
		security:      security,
		nodeID:        inv.NodeID,
		runID:         inv.RunID,
		appID:         inv.AppID,
		boardID:       inv.BoardID,
		userID:        inv.UserID,
		logLevel:      inv.LogLevel,
		isStreaming:   inv.IsStreaming,
		variables:     make(map[string]json.RawMessage),
		cache:         make(map[string]json.RawMessage),
		stores:        make(map[string]objectstore.Store),
		wsSessions:    make(map[string]*wsSession),
		fuelRemaining: security.FuelLimit,
	}

	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("instance-%s", uuid.NewString())).
		WithStartFunctions() // skip the WASI-style implicit _start invocation; run() is called explicitly

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, newErr(ErrorCompile, "Instantiate", err)
	}

	metrics.Global().InstancesCreated.Add(1)
	return &Instance{mod: mod, state: state}, nil
}

// RegisterStore associates a store_ref hash with a backing object store so
// the storage ABI can resolve FlowPath.store_ref to a concrete backend.
// Stores are reference-counted by the caller, not by the Instance.
func (inst *Instance) RegisterStore(storeRef string, store objectstore.Store) {
	inst.state.mu.Lock()
	defer inst.state.mu.Unlock()
	inst.state.stores[storeRef] = store
}

// GetNodes calls the guest's get_nodes() once to discover node definitions.
func (inst *Instance) GetNodes(ctx context.Context) ([]NodeDef, error) {
	fn := inst.mod.ExportedFunction("get_nodes")
	if fn == nil {
		return nil, newErr(ErrorConfiguration, "GetNodes", fmt.Errorf("guest does not export get_nodes"))
	}

	ctx = contextWithState(ctx, inst.state)
	results, err := fn.Call(ctx)
	if err != nil {
		return nil, translateGuestErr(inst.state, "GetNodes", err)
	}

	packed := results[0]
	ptr, ln := uint32(packed>>32), uint32(packed)
	raw, err := readMemory(inst.mod, ptr, ln)
	if err != nil {
		return nil, newErr(ErrorExecution, "GetNodes", err)
	}

	var defs []NodeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, newErr(ErrorExecution, "GetNodes", fmt.Errorf("decode get_nodes result: %w", err))
	}
	return defs, nil
}

// Run calls run(exec_input) for a single node invocation and collects its
// outputs, activated execs, stream events, and log records into one
// WasmExecutionResult. A panic/trap in the guest fails with an Execution
// error; fuel exhaustion fails with a ResourceLimit error; neither is
// possible to distinguish from a capability denial from the guest's own
// point of view, since a denial never reaches this layer as an error at
// all — it's already a null the guest observed and (likely) handled.
func (inst *Instance) Run(ctx context.Context, input ExecInput) (*WasmExecutionResult, error) {
	deadline := inst.state.security.ExecutionDeadline
	if deadline <= 0 {
		deadline = domain.DefaultExecutionDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	runCtx = contextWithState(runCtx, inst.state)

	var inputFields map[string]json.RawMessage
	_ = json.Unmarshal(input.Inputs, &inputFields) // malformed input yields a null result to the guest, not an error

	inst.state.mu.Lock()
	inst.state.currentInputs = inputFields
	inst.state.currentOutputs = nil
	inst.state.currentActivated = nil
	inst.state.mu.Unlock()

	argData, err := json.Marshal(input)
	if err != nil {
		return nil, newErr(ErrorExecution, "Run", fmt.Errorf("marshal exec input: %w", err))
	}
	packedArg, err := writeResult(runCtx, inst.mod, argData)
	if err != nil {
		return nil, newErr(ErrorExecution, "Run", fmt.Errorf("write exec input: %w", err))
	}

	fn := inst.mod.ExportedFunction("run")
	if fn == nil {
		return nil, newErr(ErrorConfiguration, "Run", fmt.Errorf("guest does not export run"))
	}

	results, err := fn.Call(runCtx, packedArg>>32, packedArg&0xffffffff)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, newErr(ErrorResourceLimit, "Run", fmt.Errorf("execution deadline exceeded"))
	}
	if fatal := inst.state.fatalErr(); fatal != nil {
		return nil, fatal
	}
	if err != nil {
		metrics.Global().InstancesTrapped.Add(1)
		return nil, translateGuestErr(inst.state, "Run", err)
	}

	// run()'s return value is an optional {"error": "..."} packed result;
	// node outputs and activated execs were already collected via the pins
	// ABI's set_output/activate_exec calls during execution.
	packed := results[0]
	ptr, ln := uint32(packed>>32), uint32(packed)
	if ln > 0 {
		raw, err := readMemory(inst.mod, ptr, ln)
		if err != nil {
			return nil, newErr(ErrorExecution, "Run", err)
		}
		var decoded struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
			return nil, newErr(ErrorExecution, "Run", fmt.Errorf("%s", decoded.Error))
		}
	}

	inst.state.mu.Lock()
	outputs := inst.state.currentOutputs
	activated := inst.state.currentActivated
	events := make([]StreamEvent, 0, len(inst.state.streamEvents))
	for _, ev := range inst.state.streamEvents {
		events = append(events, StreamEvent{EventType: ev.EventType, Data: ev.Data, Text: ev.Text})
	}
	logs := make([]LogRecord, 0, len(inst.state.logRecords))
	for _, rec := range inst.state.logRecords {
		logs = append(logs, LogRecord{Level: rec.Level, Message: rec.Message})
	}
	inst.state.streamEvents = nil
	inst.state.logRecords = nil
	inst.state.mu.Unlock()

	return &WasmExecutionResult{
		Outputs:        outputs,
		ActivatedExecs: activated,
		StreamEvents:   events,
		LogRecords:     logs,
	}, nil
}

// Close tears down the guest module instance and closes any WebSocket
// sessions it left open.
func (inst *Instance) Close(ctx context.Context) error {
	inst.state.mu.Lock()
	for id, sess := range inst.state.wsSessions {
		_ = sess.conn.Close()
		delete(inst.state.wsSessions, id)
	}
	inst.state.mu.Unlock()

	metrics.Global().InstancesStopped.Add(1)
	return inst.mod.Close(ctx)
}

// translateGuestErr classifies a wazero Call error as either the latched
// fatal fuel/resource error or a guest-side panic/trap.
func translateGuestErr(state *hostState, op string, err error) error {
	if fatal := state.fatalErr(); fatal != nil {
		return fatal
	}
	return newErr(ErrorExecution, op, err)
}
