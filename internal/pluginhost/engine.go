package pluginhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/logging"
)

// Engine is the shared wazero runtime plus its linked host ABI modules.
// Engines may be reused across many Instances; an Instance itself must
// never be shared across concurrent invocations.
type Engine struct {
	runtime wazero.Runtime
	closers []func(context.Context) error
}

// EngineConfig bounds the runtime-wide resources the Engine's wazero
// instance is willing to hand out. The memory ceiling applies to every
// instance alike; a SecurityConfig's MemoryPages is not applied per instance.
type EngineConfig struct {
	MemoryCeilingPages uint32
}

// NewEngine builds a wazero runtime, links the WASI preview1 snapshot (for
// instances granted NETWORK_ALL / filesystem-free WASI use), and registers
// every flow-like:node/<module>@0.1.0 host ABI module once.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.MemoryCeilingPages == 0 {
		cfg.MemoryCeilingPages = domain.DefaultMemoryPages
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryCeilingPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	e := &Engine{runtime: runtime}

	wasiClose, err := wasi_snapshot_preview1.Instantiate(ctx, runtime)
	if err != nil {
		runtime.Close(ctx)
		return nil, newErr(ErrorConfiguration, "NewEngine", fmt.Errorf("instantiate wasi: %w", err))
	}
	e.closers = append(e.closers, func(ctx context.Context) error { return wasiClose.Close(ctx) })

	if err := e.linkHostABI(ctx); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	logging.Op().Info("pluginhost engine ready", "memory_ceiling_pages", cfg.MemoryCeilingPages)
	return e, nil
}

// linkHostABI registers every flow-like:node/<module>@0.1.0 host module.
// Order doesn't matter to wazero, but grouping here matches §4.2/§6: one Go
// file per module (logging, pins, variables, cache, streaming, metadata,
// storage, models, auth, http, websocket).
func (e *Engine) linkHostABI(ctx context.Context) error {
	linkers := []func(context.Context) error{
		e.linkLogging,
		e.linkPins,
		e.linkVariables,
		e.linkCache,
		e.linkStreaming,
		e.linkMetadata,
		e.linkStorage,
		e.linkModels,
		e.linkAuth,
		e.linkHTTP,
		e.linkWebsocket,
	}
	for _, link := range linkers {
		if err := link(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down the runtime and every linked host module.
func (e *Engine) Close(ctx context.Context) error {
	for _, c := range e.closers {
		if err := c(ctx); err != nil {
			logging.Op().Debug("pluginhost host module close error", "error", err)
		}
	}
	return e.runtime.Close(ctx)
}
