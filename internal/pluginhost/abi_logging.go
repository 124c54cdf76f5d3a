package pluginhost

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// logArgs mirrors the JSON the guest passes to log(level, message).
type logArgs struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// linkLogging wires flow-like:node/logging@0.1.0. Logging is never
// capability-gated: every node may emit log records regardless of its
// security grant.
func (e *Engine) linkLogging(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/logging@0.1.0")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, ln uint32) {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return
			}
			var args logArgs
			if err := readJSONArg(mod, ptr, ln, &args); err != nil {
				return
			}
			s.mu.Lock()
			s.logRecords = append(s.logRecords, logRecord{Level: args.Level, Message: args.Message, At: time.Now().UTC()})
			s.mu.Unlock()
		}).
		Export("log")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkLogging", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}
