package pluginhost

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"
)

// linkPins wires flow-like:node/pins@0.1.0. Pin access is never
// capability-gated — it is the node's own input/output surface, not a
// shared host resource.
func (e *Engine) linkPins(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/pins@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			var name string
			if err := readJSONArg(mod, namePtr, nameLen, &name); err != nil {
				return 0
			}
			s.mu.Lock()
			val, ok := s.currentInputs[name]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			return writeJSONResult(ctx, mod, json.RawMessage(val))
		}).
		Export("get_input")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return
			}
			var args struct {
				Name  string          `json:"name"`
				Value json.RawMessage `json:"value"`
			}
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return
			}
			s.mu.Lock()
			if s.currentOutputs == nil {
				s.currentOutputs = make(map[string]json.RawMessage)
			}
			s.currentOutputs[args.Name] = args.Value
			s.mu.Unlock()
		}).
		Export("set_output")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return
			}
			var name string
			if err := readJSONArg(mod, namePtr, nameLen, &name); err != nil {
				return
			}
			s.mu.Lock()
			s.currentActivated = append(s.currentActivated, name)
			s.mu.Unlock()
		}).
		Export("activate_exec")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkPins", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}
