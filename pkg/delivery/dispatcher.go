// Package delivery hands out-of-band notifications to a vendor off the
// caller's goroutine.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/pkg/push"
)

var (
	ErrQueueFull = errors.New("delivery: vendor queue full")
	ErrClosed    = errors.New("delivery: dispatcher closed")
)

type Options struct {
	QueueSize   int
	WorkerCount int
	// OpTimeout bounds each vendor call.
	OpTimeout time.Duration
	// Report is called after every vendor call with its error (nil on success).
	Report func(err error)
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	return o
}

type task struct {
	uid   string
	title string
	body  string
	data  map[string]string
}

// Dispatcher is a push.Notifier whose Notify only enqueues. A fixed pool of
// workers drains the queue into the wrapped vendor.
type Dispatcher struct {
	vendor push.Notifier
	log    *zap.Logger
	opts   Options

	mu     sync.RWMutex
	closed bool
	q      chan task
	wg     sync.WaitGroup
}

func NewDispatcher(vendor push.Notifier, log *zap.Logger, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		vendor: vendor,
		log:    log,
		opts:   opts,
		q:      make(chan task, opts.QueueSize),
	}
	for i := 0; i < opts.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify never blocks; a full queue drops the notification.
func (d *Dispatcher) Notify(_ context.Context, userID, title, body string, data map[string]string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.q <- task{uid: userID, title: title, body: body, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for queued notifications to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.q)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.q {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.OpTimeout)
		err := d.vendor.Notify(ctx, t.uid, t.title, t.body, t.data)
		cancel()
		if err != nil {
			d.log.Warn("delivery: vendor notify failed", zap.String("userId", t.uid), zap.Error(err))
		}
		if d.opts.Report != nil {
			d.opts.Report(err)
		}
	}
}
