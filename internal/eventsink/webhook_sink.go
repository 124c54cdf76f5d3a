package eventsink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/flow-like/substrate/internal/logging"
)

// WebhookSinkConfig is the Registration.Config payload for the "webhook"
// kind: the shared secret used to verify inbound signatures for this
// registration's path.
type WebhookSinkConfig struct {
	Path   string `json:"path"`
	Secret string `json:"secret"`
}

// WebhookSink is the single shared HTTP listener for every "webhook"-kind
// registration. It does not open its own listener; Handler exposes an
// http.Handler the caller mounts on the host's HTTP server, and Start
// simply marks the sink ready.
type WebhookSink struct {
	mu   sync.RWMutex
	bus  *Bus
	regs map[string]Registration // path -> registration
}

// NewWebhookSink constructs an unstarted webhook sink.
func NewWebhookSink() *WebhookSink {
	return &WebhookSink{regs: make(map[string]Registration)}
}

// Start marks the sink ready to accept registrations. There is no
// background connection to establish; delivery happens inline in Handler.
func (s *WebhookSink) Start(ctx context.Context, bus *Bus) error {
	s.bus = bus
	logging.Op().Info("webhook sink started")
	return nil
}

// OnRegister binds a URL path to this registration.
func (s *WebhookSink) OnRegister(ctx context.Context, reg Registration) error {
	var cfg WebhookSinkConfig
	if err := json.Unmarshal(reg.Config, &cfg); err != nil {
		return fmt.Errorf("decode webhook config: %w", err)
	}
	if cfg.Path == "" {
		return fmt.Errorf("webhook registration %q missing path", reg.EventID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[cfg.Path] = reg
	return nil
}

// OnUnregister removes the path binding for this registration.
func (s *WebhookSink) OnUnregister(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, r := range s.regs {
		if r.EventID == reg.EventID {
			delete(s.regs, path)
		}
	}
	return nil
}

// Stop is a no-op: the sink owns no background resources of its own.
func (s *WebhookSink) Stop() error { return nil }

// Handler returns the http.Handler that receives inbound webhook deliveries
// and fires the matching registration's event.
func (s *WebhookSink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		reg, ok := s.regs[r.URL.Path]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var cfg WebhookSinkConfig
		_ = json.Unmarshal(reg.Config, &cfg)
		if cfg.Secret != "" && !validSignature(cfg.Secret, body, r.Header.Get("X-Signature")) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		if err := s.bus.Fire(r.Context(), BusEvent{
			EventID: reg.EventID,
			AppID:   reg.AppID,
			Type:    "webhook.received",
			Payload: body,
		}); err != nil {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
