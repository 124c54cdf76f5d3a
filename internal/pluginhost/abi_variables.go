package pluginhost

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

// linkVariables wires flow-like:node/variables@0.1.0: get_var, set_var,
// delete_var, has_var, each gated by CapVariablesRead or CapVariablesWrite.
func (e *Engine) linkVariables(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/variables@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapVariablesRead) {
				return 0
			}
			var name string
			if err := readJSONArg(mod, namePtr, nameLen, &name); err != nil {
				return 0
			}
			s.mu.Lock()
			val, ok := s.variables[name]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			return writeJSONResult(ctx, mod, val)
		}).
		Export("get_var")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapVariablesWrite) {
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
			s.variables[args.Name] = args.Value
			s.mu.Unlock()
		}).
		Export("set_var")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapVariablesWrite) {
				return
			}
			var name string
			if err := readJSONArg(mod, namePtr, nameLen, &name); err != nil {
				return
			}
			s.mu.Lock()
			delete(s.variables, name)
			s.mu.Unlock()
		}).
		Export("delete_var")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapVariablesRead) {
				return 0
			}
			var name string
			if err := readJSONArg(mod, namePtr, nameLen, &name); err != nil {
				return 0
			}
			s.mu.Lock()
			_, ok := s.variables[name]
			s.mu.Unlock()
			return boolToU32(ok)
		}).
		Export("has_var")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkVariables", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
