package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

// Local is an in-process broker. Every Subscribe call on the same Local gets
// its own ordered, unbounded queue, so several gateways sharing one Local
// behave like instances sharing a remote channel.
type Local struct {
	log *zap.Logger

	mu     sync.Mutex
	subs   []*localSub
	closed bool
}

type localSub struct {
	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func NewLocal(log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{log: log}
}

func (l *Local) Publish(_ context.Context, env event.Envelope) error {
	payload, err := event.Encode(env)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, s := range l.subs {
		s.push(payload)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, h Handler) error {
	s := &localSub{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.subs = append(l.subs, s)
	l.mu.Unlock()

	go s.run(h, l.log)
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		close(s.stop)
		<-s.done
	}
	return nil
}

func (s *localSub) push(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *localSub) run(h Handler, log *zap.Logger) {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, payload := range batch {
			env, err := event.Decode(payload)
			if err != nil {
				log.Warn("bus: drop undecodable envelope", zap.Error(err))
				continue
			}
			h(env)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
	}
}
