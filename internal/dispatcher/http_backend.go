package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flow-like/substrate/internal/domain"
)

// HTTPBackend POSTs a DispatchRequest's payload to {ExecutorURL}/execute and
// returns the response body verbatim as the DispatchResponse payload.
type HTTPBackend struct {
	ExecutorURL string
	Client      *http.Client
}

// NewHTTPBackend builds an HTTPBackend with the given base URL and timeout.
func NewHTTPBackend(executorURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		ExecutorURL: strings.TrimSuffix(executorURL, "/"),
		Client:      &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Name() domain.Backend { return domain.BackendHttp }

func (b *HTTPBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	url := b.ExecutorURL + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Flow-Like-Job-Id", req.JobID)
	httpReq.Header.Set("X-Flow-Like-App-Id", req.AppID)

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, err)
	}
	if resp.StatusCode >= 400 {
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, fmt.Errorf("executor returned %d: %s", resp.StatusCode, body))
	}

	return &domain.DispatchResponse{JobID: req.JobID, StatusCode: resp.StatusCode, Payload: body}, nil
}

// HTTPSSEBackend POSTs to {ExecutorURL}/execute/sse and streams the
// server-sent events back as StreamChunks, one per "data:" line.
type HTTPSSEBackend struct {
	ExecutorURL string
	Client      *http.Client
}

// NewHTTPSSEBackend builds an HTTPSSEBackend with the given base URL. The
// client carries no overall Timeout — an SSE stream is long-lived by
// design, so the caller's ctx is what bounds it.
func NewHTTPSSEBackend(executorURL string) *HTTPSSEBackend {
	return &HTTPSSEBackend{
		ExecutorURL: strings.TrimSuffix(executorURL, "/"),
		Client:      &http.Client{},
	}
}

func (b *HTTPSSEBackend) Name() domain.Backend { return domain.BackendHttpSse }

func (b *HTTPSSEBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	return nil, newDispatchErr(ErrorConfiguration, string(b.Name()), req.JobID, fmt.Errorf("http_sse is a streaming-only backend, use DispatchStream"))
}

func (b *HTTPSSEBackend) DispatchStream(ctx context.Context, req domain.DispatchRequest) (<-chan domain.StreamChunk, error) {
	url := b.ExecutorURL + "/execute/sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Flow-Like-Job-Id", req.JobID)

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, newDispatchErr(ErrorNetwork, string(b.Name()), req.JobID, fmt.Errorf("executor returned %d", resp.StatusCode))
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			select {
			case out <- domain.StreamChunk{Data: []byte(data)}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- domain.StreamChunk{Err: err, Done: true}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}
