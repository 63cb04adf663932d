package breaker

import (
	"sync"
	"time"
)

// Breaker is a simple circuit breaker per key (e.g. "presence", "bus").
//   - When failures reach Threshold within Window, the key opens for OpenFor.
//   - On success, the failure counter resets.
//   - Once OpenFor passes, calls are let through again; the next failure
//     reopens immediately.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	state map[string]*st
}

type st struct {
	failCount int
	firstFail time.Time
	openUntil time.Time
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       time.Now,
		state:     make(map[string]*st),
	}
}

func (b *Breaker) Allow(key string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		return true
	}
	return s.openUntil.IsZero() || !now.Before(s.openUntil)
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
}

// Failure records a failed call and reports whether it opened the key.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		s = &st{firstFail: now}
		b.state[key] = s
	}

	// half-open: the trial call after OpenFor failed
	if !s.openUntil.IsZero() && !now.Before(s.openUntil) {
		s.openUntil = now.Add(b.openFor)
		s.firstFail = now
		return true
	}
	if now.Sub(s.firstFail) > b.window {
		s.failCount = 0
		s.firstFail = now
	}

	s.failCount++
	if s.failCount >= b.threshold && s.openUntil.IsZero() {
		s.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}
