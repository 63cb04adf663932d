package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit allows Limit events per fixed Window. The window opens on the first
// event after the previous one closed.
type Limit struct {
	Limit  int
	Window time.Duration
}

// window is a bucket that never refills on its own (rate 0); its burst is
// restored in full each time a new window opens.
type window struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	size  int
	span  time.Duration
	start time.Time
}

func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || now.Sub(w.start) >= w.span {
		w.start = now
		w.lim.SetBurstAt(now, w.size)
	}
	return w.lim.AllowN(now, 1)
}

// connLimiter holds one window per event name. The map is built once per
// connection and never mutated.
type connLimiter struct {
	windows map[string]*window
}

func newConnLimiter(limits map[string]Limit) *connLimiter {
	l := &connLimiter{windows: make(map[string]*window, len(limits))}
	for name, lim := range limits {
		if lim.Limit <= 0 || lim.Window <= 0 {
			continue
		}
		l.windows[name] = &window{
			lim:  rate.NewLimiter(0, lim.Limit),
			size: lim.Limit,
			span: lim.Window,
		}
	}
	return l
}

// Allow consumes one event at now; events without a limit always pass.
func (l *connLimiter) Allow(event string, now time.Time) bool {
	w, ok := l.windows[event]
	if !ok {
		return true
	}
	return w.allow(now)
}
