package pluginhost

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

// ModelFactory embeds text through whatever embedding/model backend the
// host process wires up; the plugin host itself carries no model client.
type ModelFactory interface {
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
}

// linkModels wires flow-like:node/models@0.1.0: embed_text, a single call
// gated by CapModels. The factory is looked up via context since it is a
// process-wide resource, not per-instance state.
func (e *Engine) linkModels(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/models@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapModels) {
				return 0
			}
			factory := modelFactoryFromContext(ctx)
			if factory == nil {
				return 0
			}
			var texts []string
			if err := readJSONArg(mod, argPtr, argLen, &texts); err != nil {
				return 0
			}
			vectors, err := factory.EmbedText(ctx, texts)
			if err != nil {
				return 0
			}
			return writeJSONResult(ctx, mod, vectors)
		}).
		Export("embed_text")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkModels", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}

type modelFactoryCtxKey struct{}

// ContextWithModelFactory attaches the process-wide model factory to a
// context before Instance.Run, so embed_text can reach it.
func ContextWithModelFactory(ctx context.Context, f ModelFactory) context.Context {
	return context.WithValue(ctx, modelFactoryCtxKey{}, f)
}

func modelFactoryFromContext(ctx context.Context) ModelFactory {
	f, _ := ctx.Value(modelFactoryCtxKey{}).(ModelFactory)
	return f
}
