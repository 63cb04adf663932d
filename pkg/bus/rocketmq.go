package bus

import (
	"context"
	"fmt"
	"sync"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/pkg/event"
	"github.com/lzyats/yuim-realtime/pkg/push"
)

// RocketMQBus publishes to one topic and consumes it in BroadCasting mode so
// every instance receives every envelope. Messages carry the node id as
// sharding key: one node's envelopes land on one queue and keep their order.
type RocketMQBus struct {
	cfg    push.RocketMQSettings
	nodeID string
	log    *zap.Logger

	p           rocketProducer
	newConsumer func(opts ...consumer.Option) (rocketConsumer, error)

	mu sync.Mutex
	c  rocketConsumer
}

// rocketProducer and rocketConsumer are the parts of the client's
// rmq.Producer and rmq.PushConsumer the bus uses.
type rocketProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
	Shutdown() error
}

type rocketConsumer interface {
	Subscribe(topic string, selector consumer.MessageSelector,
		f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
	Start() error
	Shutdown() error
}

func newPushConsumer(opts ...consumer.Option) (rocketConsumer, error) {
	c, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func validateRocketMQ(cfg push.RocketMQSettings) error {
	switch {
	case cfg.NameServer == "":
		return fmt.Errorf("rocketmq: missing name-server")
	case cfg.Producer.Group == "":
		return fmt.Errorf("rocketmq: missing producer.group")
	case cfg.Consumer.Group == "":
		return fmt.Errorf("rocketmq: missing consumer.group")
	case cfg.Topic == "":
		return fmt.Errorf("rocketmq: missing topic")
	}
	return nil
}

func NewRocketMQ(cfg push.RocketMQSettings, nodeID string, log *zap.Logger) (*RocketMQBus, error) {
	if err := validateRocketMQ(cfg); err != nil {
		return nil, err
	}

	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Producer.Group),
		producer.WithQueueSelector(producer.NewHashQueueSelector()),
		producer.WithRetry(2),
	}
	if creds, ok := credentials(cfg); ok {
		opts = append(opts, producer.WithCredentials(creds))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return newRocketMQBus(cfg, nodeID, log, prd, newPushConsumer), nil
}

func newRocketMQBus(cfg push.RocketMQSettings, nodeID string, log *zap.Logger,
	p rocketProducer, newConsumer func(...consumer.Option) (rocketConsumer, error)) *RocketMQBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RocketMQBus{cfg: cfg, nodeID: nodeID, log: log, p: p, newConsumer: newConsumer}
}

func credentials(cfg push.RocketMQSettings) (primitive.Credentials, bool) {
	if cfg.Producer.AccessKey == "" && cfg.Producer.SecretKey == "" {
		return primitive.Credentials{}, false
	}
	return primitive.Credentials{
		AccessKey: cfg.Producer.AccessKey,
		SecretKey: cfg.Producer.SecretKey,
	}, true
}

func (b *RocketMQBus) Publish(ctx context.Context, env event.Envelope) error {
	payload, err := event.Encode(env)
	if err != nil {
		return err
	}
	m := primitive.NewMessage(b.cfg.Topic, payload)
	m.WithShardingKey(b.nodeID)
	if b.cfg.Tag != "" {
		m.WithTag(b.cfg.Tag)
	}
	_, err = b.p.SendSync(ctx, m)
	return err
}

func (b *RocketMQBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.c != nil {
		return ErrAlreadySubscribed
	}

	opts := []consumer.Option{
		consumer.WithNameServer([]string{b.cfg.NameServer}),
		consumer.WithGroupName(b.cfg.Consumer.Group),
		consumer.WithConsumerModel(consumer.BroadCasting),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
		consumer.WithConsumerOrder(true),
		consumer.WithInstance(b.nodeID),
	}
	if creds, ok := credentials(b.cfg); ok {
		opts = append(opts, consumer.WithCredentials(creds))
	}
	c, err := b.newConsumer(opts...)
	if err != nil {
		return err
	}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if b.cfg.Tag != "" {
		selector.Expression = b.cfg.Tag
	}
	err = c.Subscribe(b.cfg.Topic, selector, b.consume(h))
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	b.c = c
	return nil
}

func (b *RocketMQBus) consume(h Handler) func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	return func(_ context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			env, err := event.Decode(m.Body)
			if err != nil {
				b.log.Warn("bus: drop undecodable envelope", zap.String("msg_id", m.MsgId), zap.Error(err))
				continue
			}
			h(env)
		}
		return consumer.ConsumeSuccess, nil
	}
}

func (b *RocketMQBus) Close() error {
	b.mu.Lock()
	c := b.c
	b.c = nil
	b.mu.Unlock()

	var cerr error
	if c != nil {
		cerr = c.Shutdown()
	}
	if err := b.p.Shutdown(); err != nil {
		return err
	}
	return cerr
}
