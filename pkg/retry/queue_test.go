package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	err    error
}

func (f *fakePresence) IsOnline(_ context.Context, uid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.online[uid], nil
}

func (f *fakePresence) set(uid string, on bool) {
	f.mu.Lock()
	f.online[uid] = on
	f.mu.Unlock()
}

type fakePublisher struct {
	mu   sync.Mutex
	envs []event.Envelope
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, env event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

type harness struct {
	q        *Queue
	mr       *miniredis.Miniredis
	presence *fakePresence
	pub      *fakePublisher
	clock    time.Time

	mu        sync.Mutex
	terminals []TerminalFailure
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		mr:       mr,
		presence: &fakePresence{online: make(map[string]bool)},
		pub:      &fakePublisher{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts.OnTerminal = func(_ context.Context, f TerminalFailure) {
		h.mu.Lock()
		h.terminals = append(h.terminals, f)
		h.mu.Unlock()
	}
	h.q = NewQueue(rdb, h.presence, h.pub, nil, opts)
	h.q.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) terminalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminals)
}

func directMessage(id, uid string) event.Envelope {
	return event.Envelope{Event: event.NewMessage, UserID: uid, MessageID: id, Data: []byte(`{"content":"hello"}`)}
}

func TestEnqueueThenPending(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if err := h.q.Enqueue(ctx, directMessage("msg_1", "x"), "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.advance(time.Millisecond)
	if err := h.q.Enqueue(ctx, directMessage("msg_2", "x"), "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := h.q.Pending(ctx, "x")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(got) != 2 || got[0].Envelope.MessageID != "msg_1" || got[1].Envelope.MessageID != "msg_2" {
		t.Fatalf("unexpected pending: %+v", got)
	}
	if got[0].TargetUserID != "x" || got[0].Attempt != 0 {
		t.Errorf("unexpected item: %+v", got[0])
	}
	if !got[0].NextAttemptAt.Equal(got[0].CreatedAt.Add(5 * time.Second)) {
		t.Errorf("first attempt should be base delay after creation: %+v", got[0])
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	env := directMessage("msg_1", "x")

	for i := 0; i < 3; i++ {
		if err := h.q.Enqueue(ctx, env, "x"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	got, _ := h.q.Pending(ctx, "x")
	if len(got) != 1 {
		t.Fatalf("pending = %d, want 1", len(got))
	}
}

func TestEnqueueRequiresIDs(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.q.Enqueue(context.Background(), event.Envelope{Event: "e"}, "x"); err == nil {
		t.Fatal("expected error without message id")
	}
}

func TestAckRemoves(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_ = h.q.Enqueue(ctx, directMessage("msg_1", "x"), "x")

	removed, err := h.q.Ack(ctx, "x", "msg_1")
	if err != nil || !removed {
		t.Fatalf("Ack = %v, %v", removed, err)
	}
	removed, err = h.q.Ack(ctx, "x", "msg_1")
	if err != nil || removed {
		t.Fatalf("second Ack = %v, %v; want false", removed, err)
	}
	h.advance(time.Minute)
	res, err := h.q.ProcessDue(ctx)
	if err != nil || res != (Result{}) {
		t.Fatalf("ProcessDue after ack = %+v, %v", res, err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	h := newHarness(t, Options{BaseDelay: 5 * time.Second})
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, w := range want {
		if got := h.q.Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

// An offline user is attempted at +5s, +10s and +20s; the third miss is a
// terminal failure and the item leaves the queue.
func TestOfflineUserExhaustsAttempts(t *testing.T) {
	h := newHarness(t, Options{BaseDelay: 5 * time.Second, MaxAttempts: 3})
	ctx := context.Background()
	if err := h.q.Enqueue(ctx, directMessage("msg_1", "x"), "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.advance(4 * time.Second)
	if res, _ := h.q.ProcessDue(ctx); res != (Result{}) {
		t.Fatalf("attempt before due: %+v", res)
	}

	steps := []struct {
		wait time.Duration
		want Result
	}{
		{1 * time.Second, Result{Rescheduled: 1}},
		{10 * time.Second, Result{Rescheduled: 1}},
		{20 * time.Second, Result{Failed: 1}},
	}
	for i, s := range steps {
		h.advance(s.wait - time.Millisecond)
		if res, _ := h.q.ProcessDue(ctx); res != (Result{}) {
			t.Fatalf("step %d fired early: %+v", i, res)
		}
		h.advance(time.Millisecond)
		res, err := h.q.ProcessDue(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res != s.want {
			t.Fatalf("step %d: got %+v, want %+v", i, res, s.want)
		}
	}

	if h.terminalCount() != 1 {
		t.Fatalf("terminal failures = %d, want 1", h.terminalCount())
	}
	f := h.terminals[0]
	if f.Reason != ReasonMaxAttempts || f.Message.Attempt != 3 || f.Message.Envelope.MessageID != "msg_1" {
		t.Errorf("unexpected failure: %+v", f)
	}
	if !errors.Is(f, ErrDeliveryExhausted) {
		t.Error("terminal failure should wrap ErrDeliveryExhausted")
	}
	if got, _ := h.q.Pending(ctx, "x"); len(got) != 0 {
		t.Fatalf("exhausted item still queued: %+v", got)
	}
	if h.pub.count() != 0 {
		t.Fatalf("offline user should never be published to")
	}
}

func TestOnlineUserIsDeliveredOnNextAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_ = h.q.Enqueue(ctx, directMessage("msg_1", "x"), "x")

	h.presence.set("x", true)
	h.advance(5 * time.Second)
	res, err := h.q.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("res = %+v, want 1 delivered", res)
	}
	if h.pub.count() != 1 || h.pub.envs[0].MessageID != "msg_1" {
		t.Fatalf("published %+v", h.pub.envs)
	}
	if got, _ := h.q.Pending(ctx, "x"); len(got) != 0 {
		t.Fatal("delivered item should be removed")
	}
}

func TestPublishFailureCountsAsAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_ = h.q.Enqueue(ctx, directMessage("msg_1", "x"), "x")
	h.presence.set("x", true)
	h.pub.err = errors.New("bus down")

	h.advance(5 * time.Second)
	res, _ := h.q.ProcessDue(ctx)
	if res.Rescheduled != 1 {
		t.Fatalf("res = %+v, want rescheduled", res)
	}
	got, _ := h.q.Pending(ctx, "x")
	if len(got) != 1 || got[0].Attempt != 1 {
		t.Fatalf("pending = %+v", got)
	}
}

func TestPresenceErrorTreatedAsOffline(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_ = h.q.Enqueue(ctx, directMessage("msg_1", "x"), "x")
	h.presence.set("x", true)
	h.presence.err = errors.New("redis timeout")

	h.advance(5 * time.Second)
	res, _ := h.q.ProcessDue(ctx)
	if res.Rescheduled != 1 || h.pub.count() != 0 {
		t.Fatalf("res = %+v published=%d; lookup failure must take the offline path", res, h.pub.count())
	}
}

func TestRescheduleDoesNotResurrectAckedItem(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	env := directMessage("msg_1", "x")
	_ = h.q.Enqueue(ctx, env, "x")
	items, _ := h.q.Pending(ctx, "x")

	// flush on connect wins the race against a worker holding the item
	if _, err := h.q.Ack(ctx, "x", "msg_1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got := h.q.attempt(ctx, items[0]); got != outcomeGone {
		t.Fatalf("attempt = %v, want outcomeGone", got)
	}
	if got, _ := h.q.Pending(ctx, "x"); len(got) != 0 {
		t.Fatalf("acked item came back: %+v", got)
	}
}

func TestSweepDropsExpiredItems(t *testing.T) {
	h := newHarness(t, Options{Retention: time.Hour, BaseDelay: 10 * time.Hour})
	ctx := context.Background()
	_ = h.q.Enqueue(ctx, directMessage("msg_old", "x"), "x")
	h.advance(90 * time.Minute)
	_ = h.q.Enqueue(ctx, directMessage("msg_new", "x"), "x")

	n, err := h.q.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got, _ := h.q.Pending(ctx, "x")
	if len(got) != 1 || got[0].Envelope.MessageID != "msg_new" {
		t.Fatalf("pending after sweep = %+v", got)
	}
	if h.terminalCount() != 1 || h.terminals[0].Reason != ReasonRetention {
		t.Fatalf("expected one retention failure, got %+v", h.terminals)
	}
}

func TestWorkerDeliversInBackground(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	presence := &fakePresence{online: map[string]bool{"x": true}}
	pub := &fakePublisher{}
	q := NewQueue(rdb, presence, pub, nil, Options{BaseDelay: 10 * time.Millisecond})

	var mu sync.Mutex
	var delivered int
	w := NewWorker(q, nil, WorkerOptions{Tick: 5 * time.Millisecond, Report: func(r Result) {
		mu.Lock()
		delivered += r.Delivered
		mu.Unlock()
	}})
	w.Start()
	defer w.Stop()

	if err := q.Enqueue(context.Background(), directMessage("msg_1", "x"), "x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := delivered
		mu.Unlock()
		if d == 1 && pub.count() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker did not deliver: published=%d", pub.count())
}

func TestUndecodableItemIsReportedNotSwallowed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	m := member("u", "msg_bad")
	h.mr.HSet("rq:item:u", "msg_bad", "{not json")
	score := float64(h.clock.UnixMilli())
	h.mr.ZAdd("rq:due", score, m)
	h.mr.ZAdd("rq:created", score, m)

	res, err := h.q.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("result = %+v, want one failure", res)
	}
	if h.terminalCount() != 1 {
		t.Fatalf("terminal reports = %d, want 1", h.terminalCount())
	}
	f := h.terminals[0]
	if f.Reason != ReasonUndecodable || f.Message.TargetUserID != "u" || f.Message.Envelope.MessageID != "msg_bad" {
		t.Fatalf("terminal = %+v", f)
	}
	if h.mr.Exists("rq:item:u") {
		t.Fatal("undecodable item should be removed")
	}
	if members, _ := h.mr.ZMembers("rq:created"); len(members) != 0 {
		t.Fatalf("created index still holds %v", members)
	}
}

func TestUnreadableItemIsRequeued(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	m := member("u", "msg_1")
	// a string where a hash is expected makes HGET fail with WRONGTYPE
	if err := h.mr.Set("rq:item:u", "x"); err != nil {
		t.Fatal(err)
	}
	h.mr.ZAdd("rq:due", float64(h.clock.UnixMilli()), m)

	res, err := h.q.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("result = %+v, want nothing counted", res)
	}
	if h.terminalCount() != 0 {
		t.Fatal("a read failure is not terminal")
	}
	score, err := h.mr.ZScore("rq:due", m)
	if err != nil {
		t.Fatalf("member not back on the due set: %v", err)
	}
	if want := float64(h.clock.Add(h.q.Backoff(0)).UnixMilli()); score != want {
		t.Fatalf("due score = %v, want %v", score, want)
	}
}

func TestSweepReportsUndecodableItems(t *testing.T) {
	h := newHarness(t, Options{Retention: time.Hour})
	m := member("u", "msg_bad")
	h.mr.HSet("rq:item:u", "msg_bad", "{not json")
	h.mr.ZAdd("rq:created", float64(h.clock.UnixMilli()), m)
	h.advance(2 * time.Hour)

	n, err := h.q.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if h.terminalCount() != 1 || h.terminals[0].Reason != ReasonUndecodable {
		t.Fatalf("terminals = %+v", h.terminals)
	}
}
