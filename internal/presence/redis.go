package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rx3lixir/codearena/pkg/apperr"
)

const (
	defaultPublishTimeout = 500 * time.Millisecond
	defaultHealthInterval = 10 * time.Second
	pingTimeout           = 3 * time.Second
)

type RedisConfig struct {
	PublishTimeout time.Duration
	HealthInterval time.Duration
}

// RedisChannel fans events out through redis PUBLISH/SUBSCRIBE. Every
// process, the publisher included, receives each event through its own
// subscription.
//
// A failed publish flips the channel into degraded mode: events go to the
// in-process bus and reach this process's subscribers only, until a
// background ping succeeds. Publish still reports the failure.
type RedisChannel struct {
	client redis.UniversalClient
	local  *LocalBus
	cfg    RedisConfig
	log    *slog.Logger

	degraded   atomic.Bool
	recovering atomic.Bool

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedisChannel(client redis.UniversalClient, cfg RedisConfig, log *slog.Logger) *RedisChannel {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisChannel{
		client: client,
		local:  NewLocalBus(log),
		cfg:    cfg,
		log:    log,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *RedisChannel) Publish(ctx context.Context, channel string, ev Event) error {
	if c.degraded.Load() {
		return c.fallback(ctx, channel, ev, ErrDegraded)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
		c.enterDegraded(err)
		return c.fallback(ctx, channel, ev, apperr.Unavailable(err, "Presence channel"))
	}
	return nil
}

func (c *RedisChannel) fallback(ctx context.Context, channel string, ev Event, cause error) error {
	if err := c.local.Publish(ctx, channel, ev); err != nil {
		return fmt.Errorf("%w (local delivery: %v)", cause, err)
	}
	return cause
}

// Subscribe confirms the subscription with redis before returning, so a
// process that can't reach redis at startup fails loudly
func (c *RedisChannel) Subscribe(ctx context.Context, channel string, h Handler) error {
	ps := c.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return apperr.Unavailable(err, "Presence channel")
	}

	if err := c.local.Subscribe(ctx, channel, h); err != nil {
		_ = ps.Close()
		return err
	}

	c.mu.Lock()
	c.subs = append(c.subs, ps)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(channel, ps, h)

	c.log.Info("subscribed to presence channel", "channel", channel)
	return nil
}

func (c *RedisChannel) consume(channel string, ps *redis.PubSub, h Handler) {
	defer c.wg.Done()

	// go-redis reconnects the subscription behind this channel
	for msg := range ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			c.log.Warn("dropping malformed presence event", "channel", channel, "error", err)
			continue
		}
		safeCall(c.ctx, c.log, channel, h, ev)
	}
}

func (c *RedisChannel) Degraded() bool {
	return c.degraded.Load()
}

func (c *RedisChannel) enterDegraded(err error) {
	if c.degraded.CompareAndSwap(false, true) {
		c.log.Warn("presence channel degraded, delivering locally only", "error", err)
	}
	if c.recovering.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.recover()
	}
}

// recover pings redis until it answers, then leaves degraded mode
func (c *RedisChannel) recover() {
	defer c.wg.Done()
	defer c.recovering.Store(false)

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.client.Ping(ctx).Err()
			cancel()

			if err == nil {
				c.degraded.Store(false)
				c.log.Info("presence channel recovered")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *RedisChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		for _, ps := range c.subs {
			_ = ps.Close()
		}
		c.subs = nil
		c.mu.Unlock()
	})
	c.wg.Wait()
	return c.local.Close()
}
