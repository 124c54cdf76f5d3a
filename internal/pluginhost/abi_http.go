package pluginhost

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

const httpRequestTimeout = 30 * time.Second

// httpMethods maps the spec's method_code 0..=6 to HTTP verbs; read methods
// (GET/HEAD/OPTIONS) are gated by CapHTTPGet, the rest by CapHTTPWrite.
var httpMethods = [...]string{
	0: http.MethodGet,
	1: http.MethodPost,
	2: http.MethodPut,
	3: http.MethodDelete,
	4: http.MethodPatch,
	5: http.MethodHead,
	6: http.MethodOptions,
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

type httpRequestArgs struct {
	MethodCode int               `json:"method_code"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
}

type httpResponseResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// linkHTTP wires flow-like:node/http@0.1.0: request, gated by CapHTTPGet or
// CapHTTPWrite depending on method, and further narrowed by
// SecurityConfig.AllowedHosts when set.
func (e *Engine) linkHTTP(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/http@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) {
				return 0
			}
			var args httpRequestArgs
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			if args.MethodCode < 0 || args.MethodCode >= len(httpMethods) {
				return 0
			}
			method := httpMethods[args.MethodCode]

			requiredCap := domain.CapHTTPWrite
			if isReadMethod(method) {
				requiredCap = domain.CapHTTPGet
			}
			if !requireCapability(s, requiredCap) {
				return 0
			}
			if !hostAllowed(s.security.AllowedHosts, args.URL) {
				return 0
			}

			reqCtx, cancel := context.WithTimeout(ctx, httpRequestTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, method, args.URL, bytes.NewReader(args.Body))
			if err != nil {
				return 0
			}
			for k, v := range args.Headers {
				req.Header.Set(k, v)
			}

			client := s.httpClient
			if client == nil {
				client = http.DefaultClient
			}
			resp, err := client.Do(req)
			if err != nil {
				return 0
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, s.security.MaxHTTPEgressBytes))
			if err != nil {
				return 0
			}

			headers := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				headers[k] = resp.Header.Get(k)
			}

			return writeJSONResult(ctx, mod, httpResponseResult{Status: resp.StatusCode, Headers: headers, Body: body})
		}).
		Export("request")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkHTTP", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}

// hostAllowed reports whether rawURL's host is permitted: an allowlist entry
// matches the URL's hostname or its host:port. An empty allowlist means no
// host-level restriction beyond the capability check itself.
func hostAllowed(allowed []string, rawURL string) bool {
	if len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, h := range allowed {
		if h == u.Hostname() || h == u.Host {
			return true
		}
	}
	return false
}
