package pluginhost

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// linkMetadata wires flow-like:node/metadata@0.1.0: identifier accessors,
// time_now, random, is_streaming, get_log_level. None of these are
// capability-gated — they expose identity and environment, not a shared
// resource.
func (e *Engine) linkMetadata(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/metadata@0.1.0")

	stringGetter := func(get func(s *hostState) string) func(context.Context, api.Module) uint64 {
		return func(ctx context.Context, mod api.Module) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			return writeJSONResult(ctx, mod, get(s))
		}
	}

	builder.NewFunctionBuilder().WithFunc(stringGetter(func(s *hostState) string { return s.nodeID })).Export("get_node_id")
	builder.NewFunctionBuilder().WithFunc(stringGetter(func(s *hostState) string { return s.runID })).Export("get_run_id")
	builder.NewFunctionBuilder().WithFunc(stringGetter(func(s *hostState) string { return s.appID })).Export("get_app_id")
	builder.NewFunctionBuilder().WithFunc(stringGetter(func(s *hostState) string { return s.boardID })).Export("get_board_id")
	builder.NewFunctionBuilder().WithFunc(stringGetter(func(s *hostState) string { return s.userID })).Export("get_user_id")
	builder.NewFunctionBuilder().WithFunc(stringGetter(func(s *hostState) string { return s.logLevel })).Export("get_log_level")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			return writeJSONResult(ctx, mod, time.Now().UTC().Format(time.RFC3339Nano))
		}).
		Export("time_now")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			return writeJSONResult(ctx, mod, rand.Float64())
		}).
		Export("random")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			return boolToU32(s.isStreaming)
		}).
		Export("is_streaming")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkMetadata", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}
