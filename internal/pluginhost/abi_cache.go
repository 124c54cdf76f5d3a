package pluginhost

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

// linkCache wires flow-like:node/cache@0.1.0: cache_get/set/delete/has,
// each gated by CapCacheRead or CapCacheWrite. Identical shape to the
// variables ABI; kept as a separate host module and map because the two
// namespaces are addressed independently by the guest.
func (e *Engine) linkCache(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/cache@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapCacheRead) {
				return 0
			}
			var key string
			if err := readJSONArg(mod, keyPtr, keyLen, &key); err != nil {
				return 0
			}
			s.mu.Lock()
			val, ok := s.cache[key]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			return writeJSONResult(ctx, mod, val)
		}).
		Export("cache_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapCacheWrite) {
				return
			}
			var args struct {
				Key   string          `json:"key"`
				Value json.RawMessage `json:"value"`
			}
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return
			}
			s.mu.Lock()
			s.cache[args.Key] = args.Value
			s.mu.Unlock()
		}).
		Export("cache_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapCacheWrite) {
				return
			}
			var key string
			if err := readJSONArg(mod, keyPtr, keyLen, &key); err != nil {
				return
			}
			s.mu.Lock()
			delete(s.cache, key)
			s.mu.Unlock()
		}).
		Export("cache_delete")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapCacheRead) {
				return 0
			}
			var key string
			if err := readJSONArg(mod, keyPtr, keyLen, &key); err != nil {
				return 0
			}
			s.mu.Lock()
			_, ok := s.cache[key]
			s.mu.Unlock()
			return boolToU32(ok)
		}).
		Export("cache_has")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkCache", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}
