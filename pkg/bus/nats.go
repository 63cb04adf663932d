package bus

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

// NATSBus publishes on one core NATS subject. The subscription has no
// queue group: every instance must see every envelope.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

type NATSOptions struct {
	URL      string
	User     string
	Password string
	Name     string
	Subject  string
}

func NewNATS(opts NATSOptions, log *zap.Logger) (*NATSBus, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Subject == "" {
		opts.Subject = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus: nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus: nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, err
	}
	return &NATSBus{nc: nc, subject: opts.Subject, log: log}, nil
}

func (b *NATSBus) Publish(_ context.Context, env event.Envelope) error {
	payload, err := event.Encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Subscribe relies on NATS invoking a subscription's callback from a single
// goroutine, which keeps per-publisher order.
func (b *NATSBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return ErrAlreadySubscribed
	}
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		env, err := event.Decode(msg.Data)
		if err != nil {
			b.log.Warn("bus: drop undecodable envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		h(env)
	})
	if err != nil {
		return err
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	b.sub = sub
	return nil
}

func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
