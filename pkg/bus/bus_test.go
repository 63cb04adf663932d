package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

type collector struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (c *collector) handle(env event.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []event.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.envs) >= n {
			out := append([]event.Envelope(nil), c.envs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("received %d envelopes, want %d", len(c.envs), n)
	return nil
}

func numbered(i int) event.Envelope {
	return event.Envelope{
		Event:     event.NewMessage,
		Room:      "r1",
		MessageID: fmt.Sprintf("msg_%d", i),
		Data:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
	}
}

// exerciseBus checks fan-out to every subscriber and per-publisher order.
func exerciseBus(t *testing.T, a, b Bus, pub Bus) {
	t.Helper()
	ctx := context.Background()
	var ca, cb collector
	if err := a.Subscribe(ctx, ca.handle); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx, cb.handle); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		if err := pub.Publish(ctx, numbered(i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for name, c := range map[string]*collector{"a": &ca, "b": &cb} {
		got := c.wait(t, n)
		if len(got) != n {
			t.Fatalf("%s received %d, want exactly %d", name, len(got), n)
		}
		for i, env := range got {
			if env.MessageID != fmt.Sprintf("msg_%d", i) {
				t.Fatalf("%s: position %d has %s, order not preserved", name, i, env.MessageID)
			}
		}
		if string(got[3].Data) != `{"n":3}` {
			t.Errorf("%s: data not verbatim: %s", name, got[3].Data)
		}
	}
}

func TestLocalFanOutAndOrder(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()
	exerciseBus(t, l, l, l)
}

func TestLocalPublishAfterClose(t *testing.T) {
	l := NewLocal(nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Publish(context.Background(), numbered(1)); err != ErrClosed {
		t.Fatalf("Publish after close = %v, want ErrClosed", err)
	}
}

func TestLocalSlowHandlerDoesNotBlockPublish(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()
	release := make(chan struct{})
	var once sync.Once
	if err := l.Subscribe(context.Background(), func(event.Envelope) {
		once.Do(func() { <-release })
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = l.Publish(context.Background(), numbered(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
}

func TestRedisFanOutAndOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	a := NewRedis(newClient(), "test.bus", nil)
	b := NewRedis(newClient(), "test.bus", nil)
	defer a.Close()
	defer b.Close()

	exerciseBus(t, a, b, a)
}

func TestRedisSubscribeTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	b := NewRedis(c, "", nil)
	defer b.Close()

	if err := b.Subscribe(context.Background(), func(event.Envelope) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(context.Background(), func(event.Envelope) {}); err != ErrAlreadySubscribed {
		t.Fatalf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}
}

func TestRedisDropsGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	b := NewRedis(c, "test.bus", nil)
	defer b.Close()

	var col collector
	if err := b.Subscribe(context.Background(), col.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	mr.Publish("test.bus", "not json")
	if err := b.Publish(context.Background(), numbered(7)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := col.wait(t, 1)
	if got[0].MessageID != "msg_7" {
		t.Fatalf("got %s, want msg_7", got[0].MessageID)
	}
}

func TestRedisPublishAfterClose(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	b := NewRedis(c, "", nil)
	_ = b.Close()
	if err := b.Publish(context.Background(), numbered(1)); err != ErrClosed {
		t.Fatalf("Publish after close = %v, want ErrClosed", err)
	}
}
