// Package dispatcher implements the job dispatcher (C4): a thin polyglot
// fan-out layer that hands a DispatchRequest to whichever backend its
// Backend field names, and nothing else. It holds no retry/backoff policy
// of its own beyond what each backend's circuit breaker already applies —
// retries belong to the caller, which knows whether a dispatch is
// idempotent.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/flow-like/substrate/internal/circuitbreaker"
	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/logging"
	"github.com/flow-like/substrate/internal/metrics"
)

// Backend delivers one DispatchRequest to a concrete execution surface and
// reports its synchronous result. Implementations must be safe for
// concurrent use — the Dispatcher shares one Backend instance across every
// dispatch targeting it.
type Backend interface {
	Name() domain.Backend
	Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error)
}

// StreamingBackend is implemented by backends whose response is a sequence
// of chunks rather than one payload (HTTP SSE, Lambda response streaming).
type StreamingBackend interface {
	Backend
	DispatchStream(ctx context.Context, req domain.DispatchRequest) (<-chan domain.StreamChunk, error)
}

// Dispatcher routes a DispatchRequest to the Backend named by its Backend
// field, wrapping every call in a per-backend circuit breaker so one
// degraded downstream (e.g. Lambda throttling) cannot starve dispatches to
// the others.
type Dispatcher struct {
	backends   map[domain.Backend]Backend
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
}

// New builds a Dispatcher with no backends registered. Register adds them.
func New(breakerCfg circuitbreaker.Config) *Dispatcher {
	return &Dispatcher{
		backends:   make(map[domain.Backend]Backend),
		breakers:   circuitbreaker.NewRegistry(),
		breakerCfg: breakerCfg,
	}
}

// Register attaches a Backend under its own Name(). Registering the same
// name twice replaces the previous backend.
func (d *Dispatcher) Register(b Backend) {
	d.backends[b.Name()] = b
}

// Dispatch routes req to its named backend, gated by that backend's circuit
// breaker. A breaker that has tripped open rejects the dispatch immediately
// without touching the network.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	b, ok := d.backends[req.Backend]
	if !ok {
		return nil, newDispatchErr(ErrorConfiguration, string(req.Backend), req.JobID, fmt.Errorf("no backend registered for %q", req.Backend))
	}

	breaker := d.breakers.Get(string(req.Backend), d.breakerCfg)
	if breaker != nil && !breaker.Allow() {
		metrics.Global().RecordDispatch(false)
		return nil, newDispatchErr(ErrorNetwork, string(req.Backend), req.JobID, fmt.Errorf("circuit open"))
	}

	resp, err := b.Dispatch(ctx, req)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		metrics.Global().RecordDispatch(false)
		logging.Op().Error("dispatch failed", "backend", req.Backend, "job_id", req.JobID, "error", err)
		return nil, err
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	metrics.Global().RecordDispatch(true)
	return resp, nil
}

// DispatchStream routes req to its named backend's streaming path. The
// backend must implement StreamingBackend; a non-streaming backend fails
// with ErrorConfiguration rather than silently buffering.
func (d *Dispatcher) DispatchStream(ctx context.Context, req domain.DispatchRequest) (<-chan domain.StreamChunk, error) {
	b, ok := d.backends[req.Backend]
	if !ok {
		return nil, newDispatchErr(ErrorConfiguration, string(req.Backend), req.JobID, fmt.Errorf("no backend registered for %q", req.Backend))
	}
	sb, ok := b.(StreamingBackend)
	if !ok {
		return nil, newDispatchErr(ErrorConfiguration, string(req.Backend), req.JobID, fmt.Errorf("backend %q does not support streaming", req.Backend))
	}

	breaker := d.breakers.Get(string(req.Backend), d.breakerCfg)
	if breaker != nil && !breaker.Allow() {
		metrics.Global().RecordDispatch(false)
		return nil, newDispatchErr(ErrorNetwork, string(req.Backend), req.JobID, fmt.Errorf("circuit open"))
	}

	ch, err := sb.DispatchStream(ctx, req)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		metrics.Global().RecordDispatch(false)
		return nil, err
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	metrics.Global().RecordDispatch(true)
	return ch, nil
}
