package pluginhost

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// linkStreaming wires flow-like:node/streaming@0.1.0: emit(event_type,
// data) and text(content), both appending to the instance's stream-event
// buffer. Ungated — streaming output is part of a node's own response, not
// a shared host resource.
func (e *Engine) linkStreaming(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/streaming@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return
			}
			var args struct {
				EventType string `json:"event_type"`
				Data      []byte `json:"data"`
			}
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return
			}
			s.mu.Lock()
			s.streamEvents = append(s.streamEvents, streamEvent{EventType: args.EventType, Data: args.Data})
			s.mu.Unlock()
		}).
		Export("emit")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, ln uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return
			}
			var content string
			if err := readJSONArg(mod, ptr, ln, &content); err != nil {
				return
			}
			s.mu.Lock()
			s.streamEvents = append(s.streamEvents, streamEvent{EventType: "text", Text: content, IsText: true})
			s.mu.Unlock()
		}).
		Export("text")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkStreaming", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}
