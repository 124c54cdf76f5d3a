package pluginhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

// maxStorageWriteBytes bounds a single write_file call, per spec.
const maxStorageWriteBytes = 16 * 1024 * 1024

// linkStorage wires flow-like:node/storage@0.1.0: the four directory
// accessors (ungated — they only compute a FlowPath) plus read_file,
// write_file, list_files, which resolve through a store registered on the
// Instance by store_ref and are gated by CapStorageRead/CapStorageWrite.
func (e *Engine) linkStorage(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/storage@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, nodeScopedB uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			fp := FlowPath{Path: scopedPath(s, "storage", nodeScopedB != 0, false), StoreRef: "storage"}
			return writeJSONResult(ctx, mod, fp)
		}).
		Export("storage_dir")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			fp := FlowPath{Path: scopedPath(s, "upload", false, false), StoreRef: "upload"}
			return writeJSONResult(ctx, mod, fp)
		}).
		Export("upload_dir")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, nodeScopedB, userScopedB uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			fp := FlowPath{
				Path:          scopedPath(s, "cache", nodeScopedB != 0, userScopedB != 0),
				StoreRef:      "cache",
				CacheStoreRef: "cache",
			}
			return writeJSONResult(ctx, mod, fp)
		}).
		Export("cache_dir")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, nodeScopedB uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			fp := FlowPath{Path: scopedPath(s, "user", nodeScopedB != 0, true), StoreRef: "user"}
			return writeJSONResult(ctx, mod, fp)
		}).
		Export("user_dir")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapStorageRead) {
				return 0
			}
			var args struct {
				StoreRef string `json:"store_ref"`
				Path     string `json:"path"`
			}
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			s.mu.Lock()
			store, ok := s.stores[args.StoreRef]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			data, err := store.GetBlob(ctx, args.Path)
			if err != nil {
				return 0
			}
			return writeJSONResult(ctx, mod, data)
		}).
		Export("read_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapStorageWrite) {
				return 0
			}
			var args struct {
				StoreRef string `json:"store_ref"`
				Path     string `json:"path"`
				Data     []byte `json:"data"`
			}
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			if len(args.Data) > maxStorageWriteBytes {
				return 0
			}
			s.mu.Lock()
			store, ok := s.stores[args.StoreRef]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			if err := store.PutBlob(ctx, args.Path, args.Data); err != nil {
				return 0
			}
			return 1
		}).
		Export("write_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapStorageRead) {
				return 0
			}
			var args struct {
				StoreRef string `json:"store_ref"`
				Prefix   string `json:"prefix"`
			}
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			s.mu.Lock()
			store, ok := s.stores[args.StoreRef]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			keys, err := store.ListBlobs(ctx, args.Prefix)
			if err != nil {
				return 0
			}
			return writeJSONResult(ctx, mod, keys)
		}).
		Export("list_files")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkStorage", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}

func scopedPath(s *hostState, kind string, nodeScoped, userScoped bool) string {
	path := fmt.Sprintf("apps/%s/%s", s.appID, kind)
	if userScoped {
		path = fmt.Sprintf("%s/users/%s", path, s.userID)
	}
	if nodeScoped {
		path = fmt.Sprintf("%s/nodes/%s", path, s.nodeID)
	}
	return path
}
