package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flow-like/substrate/internal/logging"
	"github.com/robfig/cron/v3"
)

// CronSinkConfig is the Registration.Config payload for the "cron" kind:
// a single cron expression that fires this registration's event.
type CronSinkConfig struct {
	Expression string `json:"expression"`
}

// CronSink is the single shared cron dispatcher for every "cron"-kind
// registration. One cron.Cron instance serves every registered app;
// OnRegister adds an entry, OnUnregister removes it.
type CronSink struct {
	cron    *cron.Cron
	mu      sync.Mutex
	bus     *Bus
	entries map[string]cron.EntryID // event_id -> cron entry
}

// NewCronSink constructs an unstarted cron sink.
func NewCronSink() *CronSink {
	return &CronSink{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the shared cron scheduler. Called once for the whole "cron"
// kind, regardless of how many registrations use it.
func (s *CronSink) Start(ctx context.Context, bus *Bus) error {
	s.bus = bus
	s.cron.Start()
	logging.Op().Info("cron sink started")
	return nil
}

// OnRegister adds a cron entry for this registration's expression.
func (s *CronSink) OnRegister(ctx context.Context, reg Registration) error {
	var cfg CronSinkConfig
	if err := json.Unmarshal(reg.Config, &cfg); err != nil {
		return fmt.Errorf("decode cron config: %w", err)
	}
	if cfg.Expression == "" {
		return fmt.Errorf("cron registration %q missing expression", reg.EventID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(cfg.Expression, func() {
		payload, _ := json.Marshal(map[string]string{"event_id": reg.EventID})
		if err := s.bus.Fire(context.Background(), BusEvent{
			EventID: reg.EventID,
			AppID:   reg.AppID,
			Type:    "cron.tick",
			Payload: payload,
		}); err != nil {
			logging.Op().Warn("cron sink fire failed", "event_id", reg.EventID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}
	s.entries[reg.EventID] = id
	return nil
}

// OnUnregister removes the cron entry for this registration.
func (s *CronSink) OnUnregister(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[reg.EventID]
	if !ok {
		return nil
	}
	s.cron.Remove(id)
	delete(s.entries, reg.EventID)
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight job to finish.
func (s *CronSink) Stop() error {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}
