package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tradewind/internal/contracts"
)

// LocalBus is an in-process broker used by tests and single-process dev mode.
// Each subscription gets its own FIFO queue and dispatch goroutine, so
// delivery order per subscription matches publish order.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string][]*localSub
	closed bool
	wg     sync.WaitGroup
}

type localSub struct {
	group   string
	handler Handler
	queue   chan contracts.Envelope
	done    chan struct{}
}

// ErrBusClosed signals a publish after Close.
var ErrBusClosed = errors.New("bus closed")

const localQueueDepth = 64

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]*localSub)}
}

// Subscribe registers a handler and starts its dispatch loop.
func (b *LocalBus) Subscribe(topic, group string, h Handler) error {
	if topic == "" || group == "" {
		return errors.New("topic and group are required")
	}

	sub := &localSub{
		group:   group,
		handler: h,
		queue:   make(chan contracts.Envelope, localQueueDepth),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	handle := func(env contracts.Envelope) {
		if err := sub.handler(context.Background(), env); err != nil {
			slog.Error("local bus handler failed",
				"topic", topic, "group", group,
				"message_id", env.MessageID, "error", err)
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case env := <-sub.queue:
				handle(env)
			case <-sub.done:
				// Drain what was enqueued before Close, then stop.
				for {
					select {
					case env := <-sub.queue:
						handle(env)
					default:
						return
					}
				}
			}
		}
	}()

	return nil
}

// Publish enqueues the envelope for every subscription on the topic. Each
// consumer group receives its own copy.
func (b *LocalBus) Publish(ctx context.Context, topic string, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := b.subs[topic]
	b.mu.Unlock()

	for _, sub := range subs {
		// The queue channel is never closed, so a send racing Close cannot
		// panic; done unblocks publishers once dispatch has stopped.
		select {
		case sub.queue <- env:
		case <-sub.done:
			return ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting publishes and waits for queued messages to drain.
func (b *LocalBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}
