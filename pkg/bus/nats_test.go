package bus

import (
	"context"
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/test"
)

func runNATS(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func TestNATSFanOutAndOrder(t *testing.T) {
	url := runNATS(t)
	a, err := NewNATS(NATSOptions{URL: url, Name: "gw-a", Subject: "test.bus"}, nil)
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	b, err := NewNATS(NATSOptions{URL: url, Name: "gw-b", Subject: "test.bus"}, nil)
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()

	exerciseBus(t, a, b, a)
}

func TestNATSSubscribeTwiceAndGarbage(t *testing.T) {
	url := runNATS(t)
	b, err := NewNATS(NATSOptions{URL: url, Subject: "test.bus"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	var col collector
	if err := b.Subscribe(context.Background(), col.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(context.Background(), col.handle); err != ErrAlreadySubscribed {
		t.Fatalf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}
	if err := b.nc.Publish("test.bus", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), numbered(7)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := col.wait(t, 1)
	if got[0].MessageID != "msg_7" {
		t.Fatalf("got %s, want msg_7", got[0].MessageID)
	}
}

func TestNATSPublishAfterClose(t *testing.T) {
	url := runNATS(t)
	b, err := NewNATS(NATSOptions{URL: url, Subject: "test.bus"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	b.nc.Close()
	if err := b.Publish(context.Background(), numbered(1)); err != ErrClosed {
		t.Fatalf("Publish after close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close on closed conn: %v", err)
	}
}
