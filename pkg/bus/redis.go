package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

// RedisBus uses PUBLISH/SUBSCRIBE on a single channel.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	log     *zap.Logger

	mu     sync.Mutex
	ps     *redis.PubSub
	closed bool
	done   chan struct{}
}

func NewRedis(rdb redis.UniversalClient, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{rdb: rdb, channel: channel, log: log, done: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, env event.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := event.Encode(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.ps != nil {
		return ErrAlreadySubscribed
	}

	ps := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so publishes after Subscribe
	// returns are never missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.ps = ps

	ch := ps.Channel()
	go func() {
		defer close(b.done)
		for msg := range ch {
			env, err := event.Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("bus: drop undecodable envelope", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			h(env)
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.ps
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-b.done
	return err
}
