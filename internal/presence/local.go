package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rx3lixir/codearena/pkg/apperr"
)

const localQueueSize = 1024

var errBusFull = apperr.New(apperr.CodeUnavailable, "Local event bus is full")

type delivery struct {
	channel string
	ev      Event
}

// LocalBus is an in-process Channel. It is the whole presence layer of a
// single-instance deployment. One dispatcher goroutine keeps delivery FIFO.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	queue  chan delivery
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewLocalBus(log *slog.Logger) *LocalBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &LocalBus{
		subs:   make(map[string][]Handler),
		queue:  make(chan delivery, localQueueSize),
		done:   make(chan struct{}),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.dispatch()

	return b
}

// Publish enqueues without blocking. A full queue fails immediately.
func (b *LocalBus) Publish(ctx context.Context, channel string, ev Event) error {
	select {
	case <-b.done:
		return ErrDegraded
	default:
	}

	select {
	case b.queue <- delivery{channel: channel, ev: ev}:
		return nil
	default:
		return errBusFull
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], h)
	return nil
}

func (b *LocalBus) Degraded() bool {
	return false
}

func (b *LocalBus) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.cancel()
	})
	b.wg.Wait()
	return nil
}

func (b *LocalBus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case d := <-b.queue:
			b.deliver(d)
		case <-b.done:
			return
		}
	}
}

func (b *LocalBus) deliver(d delivery) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[d.channel]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		safeCall(b.ctx, b.log, d.channel, h, d.ev)
	}
}

// safeCall keeps one misbehaving handler from killing the dispatcher
func safeCall(ctx context.Context, log *slog.Logger, channel string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("presence handler panicked", "channel", channel, "kind", ev.Kind, "panic", r)
		}
	}()
	h(ctx, ev)
}
