package pluginhost

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

// TokenStore resolves a stored OAuth token for the run's user, scoped to
// one provider (e.g. "google", "github").
type TokenStore interface {
	OAuthToken(ctx context.Context, userID, provider string) (string, bool, error)
}

// linkAuth wires flow-like:node/auth@0.1.0: get_oauth_token,
// has_oauth_token, both gated by CapOAuthAccess.
func (e *Engine) linkAuth(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/auth@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, ln uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapOAuthAccess) {
				return 0
			}
			store := tokenStoreFromContext(ctx)
			if store == nil {
				return 0
			}
			var provider string
			if err := readJSONArg(mod, ptr, ln, &provider); err != nil {
				return 0
			}
			token, ok, err := store.OAuthToken(ctx, s.userID, provider)
			if err != nil || !ok {
				return 0
			}
			return writeJSONResult(ctx, mod, token)
		}).
		Export("get_oauth_token")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, ln uint32) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapOAuthAccess) {
				return 0
			}
			store := tokenStoreFromContext(ctx)
			if store == nil {
				return 0
			}
			var provider string
			if err := readJSONArg(mod, ptr, ln, &provider); err != nil {
				return 0
			}
			_, ok, err := store.OAuthToken(ctx, s.userID, provider)
			if err != nil {
				return 0
			}
			return boolToU32(ok)
		}).
		Export("has_oauth_token")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkAuth", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}

type tokenStoreCtxKey struct{}

// ContextWithTokenStore attaches the OAuth token store to a context before
// Instance.Run so get_oauth_token/has_oauth_token can reach it.
func ContextWithTokenStore(ctx context.Context, t TokenStore) context.Context {
	return context.WithValue(ctx, tokenStoreCtxKey{}, t)
}

func tokenStoreFromContext(ctx context.Context) TokenStore {
	t, _ := ctx.Value(tokenStoreCtxKey{}).(TokenStore)
	return t
}
