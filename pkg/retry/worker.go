package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker drives a Queue: due attempts every Tick, a retention sweep every
// SweepEvery.
type Worker struct {
	q   *Queue
	log *zap.Logger

	tick       time.Duration
	sweepEvery time.Duration
	report     func(Result)

	stop chan struct{}
	done chan struct{}
}

type WorkerOptions struct {
	Tick       time.Duration
	SweepEvery time.Duration
	// Report receives the outcome of every pass that did something.
	Report func(Result)
}

func NewWorker(q *Queue, log *zap.Logger, opt WorkerOptions) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 1 * time.Second
	}
	if opt.SweepEvery <= 0 {
		opt.SweepEvery = 1 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		q:          q,
		log:        log,
		tick:       opt.Tick,
		sweepEvery: opt.SweepEvery,
		report:     opt.Report,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.tick)
		defer t.Stop()
		lastSweep := time.Now()
		for {
			select {
			case <-w.stop:
				return
			case now := <-t.C:
				w.runOnce()
				if now.Sub(lastSweep) >= w.sweepEvery {
					w.sweepOnce()
					lastSweep = now
				}
			}
		}
	}()
}

// Stop waits for the in-flight pass to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := w.q.ProcessDue(ctx)
	if err != nil {
		w.log.Warn("retry: process due failed", zap.Error(err))
	}
	if res != (Result{}) {
		w.log.Debug("retry: pass done",
			zap.Int("delivered", res.Delivered),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("failed", res.Failed),
		)
		if w.report != nil {
			w.report(res)
		}
	}
}

func (w *Worker) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := w.q.Sweep(ctx)
	if err != nil {
		w.log.Warn("retry: sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("retry: swept expired items", zap.Int("count", n))
		if w.report != nil {
			w.report(Result{Failed: n})
		}
	}
}
