package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flow-like/substrate/internal/logging"
	"github.com/redis/go-redis/v9"
)

// RedisStreamSinkConfig is the Registration.Config payload for the
// "redis_stream" kind.
type RedisStreamSinkConfig struct {
	Addr   string `json:"addr"`
	Stream string `json:"stream"`
	Group  string `json:"group"`
}

// RedisStreamSink is the single shared set of Redis Stream consumers for
// every "redis_stream"-kind registration: one consumer goroutine per
// distinct (addr, stream, group), fanning delivered messages out to every
// registration that shares that stream.
type RedisStreamSink struct {
	mu        sync.Mutex
	bus       *Bus
	consumers map[string]*streamConsumer // "addr|stream|group" -> consumer
	ctx       context.Context
	cancel    context.CancelFunc
}

type streamConsumer struct {
	client *redis.Client
	stream string
	group  string
	regs   map[string]Registration // event_id -> registration
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRedisStreamSink constructs an unstarted redis stream sink.
func NewRedisStreamSink() *RedisStreamSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamSink{
		consumers: make(map[string]*streamConsumer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start marks the sink ready; individual stream consumers are created
// lazily as registrations arrive, since each needs its own addr/stream/
// group.
func (s *RedisStreamSink) Start(ctx context.Context, bus *Bus) error {
	s.bus = bus
	logging.Op().Info("redis stream sink started")
	return nil
}

func consumerKey(cfg RedisStreamSinkConfig) string {
	return cfg.Addr + "|" + cfg.Stream + "|" + cfg.Group
}

// OnRegister joins this registration's stream/group, starting a new
// consumer goroutine only if no registration has used this combination
// yet.
func (s *RedisStreamSink) OnRegister(ctx context.Context, reg Registration) error {
	var cfg RedisStreamSinkConfig
	if err := json.Unmarshal(reg.Config, &cfg); err != nil {
		return fmt.Errorf("decode redis stream config: %w", err)
	}
	if cfg.Addr == "" || cfg.Stream == "" {
		return fmt.Errorf("redis stream registration %q missing addr/stream", reg.EventID)
	}
	if cfg.Group == "" {
		cfg.Group = "flow-like-substrate"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consumerKey(cfg)
	c, ok := s.consumers[key]
	if !ok {
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		cctx, cancel := context.WithCancel(s.ctx)
		c = &streamConsumer{
			client: client,
			stream: cfg.Stream,
			group:  cfg.Group,
			regs:   make(map[string]Registration),
			cancel: cancel,
		}
		if err := client.XGroupCreateMkStream(cctx, cfg.Stream, cfg.Group, "0").Err(); err != nil && !isBusyGroupErr(err) {
			cancel()
			return fmt.Errorf("create consumer group: %w", err)
		}
		s.consumers[key] = c
		go c.run(cctx, s.bus)
	}

	c.mu.Lock()
	c.regs[reg.EventID] = reg
	c.mu.Unlock()
	return nil
}

// OnUnregister removes this registration from its consumer's fan-out set.
// The consumer keeps running as long as any other registration uses it.
func (s *RedisStreamSink) OnUnregister(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.consumers {
		c.mu.Lock()
		delete(c.regs, reg.EventID)
		c.mu.Unlock()
	}
	return nil
}

// Stop cancels every running consumer.
func (s *RedisStreamSink) Stop() error {
	s.cancel()
	return nil
}

func (c *streamConsumer) run(ctx context.Context, bus *Bus) {
	consumerName := "substrate-" + c.group
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: consumerName,
			Streams:  []string{c.stream, ">"},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logging.Op().Warn("redis stream read failed", "stream", c.stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.deliver(ctx, bus, msg)
				c.client.XAck(ctx, c.stream, c.group, msg.ID)
			}
		}
	}
}

func (c *streamConsumer) deliver(ctx context.Context, bus *Bus, msg redis.XMessage) {
	payload, err := json.Marshal(msg.Values)
	if err != nil {
		return
	}
	c.mu.Lock()
	regs := make([]Registration, 0, len(c.regs))
	for _, r := range c.regs {
		regs = append(regs, r)
	}
	c.mu.Unlock()

	for _, reg := range regs {
		if err := bus.Fire(ctx, BusEvent{
			EventID: reg.EventID,
			AppID:   reg.AppID,
			Type:    "redis_stream.message",
			Payload: payload,
		}); err != nil {
			logging.Op().Warn("redis stream sink fire failed", "event_id", reg.EventID, "error", err)
		}
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
