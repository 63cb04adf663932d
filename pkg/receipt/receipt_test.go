package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, Options{}), mr
}

func TestRecordIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := Receipt{MessageID: "msg_1", UserID: "u1", Status: Read, Timestamp: time.UnixMilli(1000)}

	first, err := s.Record(ctx, r)
	if err != nil || !first {
		t.Fatalf("first Record = %v, %v; want true", first, err)
	}
	before, err := s.List(ctx, "msg_1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	r.Timestamp = time.UnixMilli(5000)
	again, err := s.Record(ctx, r)
	if err != nil || again {
		t.Fatalf("second Record = %v, %v; want false", again, err)
	}
	after, err := s.List(ctx, "msg_1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("receipts before=%d after=%d, want 1/1", len(before), len(after))
	}
	if !after[0].Timestamp.Equal(before[0].Timestamp) {
		t.Errorf("timestamp changed: %v -> %v", before[0].Timestamp, after[0].Timestamp)
	}
}

func TestDistinctStatusesAreSeparate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, st := range []Status{Sent, Delivered, Read} {
		ok, err := s.Record(ctx, Receipt{MessageID: "m", UserID: "u1", Status: st})
		if err != nil || !ok {
			t.Fatalf("Record(%s) = %v, %v", st, ok, err)
		}
	}
	got, err := s.List(ctx, "m")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d receipts, want 3", len(got))
	}
	if got[0].Status != Delivered || got[1].Status != Read || got[2].Status != Sent {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestRecordSetsTTL(t *testing.T) {
	s, mr := newTestStore(t)
	if _, err := s.Record(context.Background(), Receipt{MessageID: "m", UserID: "u", Status: Delivered}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ttl := mr.TTL("receipt:m"); ttl != 7*24*time.Hour {
		t.Errorf("ttl = %v, want 168h", ttl)
	}
}

func TestRecordValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Record(ctx, Receipt{UserID: "u", Status: Read}); err == nil {
		t.Error("expected error for missing message id")
	}
	if _, err := s.Record(ctx, Receipt{MessageID: "m", UserID: "u", Status: "seen"}); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestUserIDsWithSeparatorsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		uid  string
	}{
		{"pipe", "tenant|u1"},
		{"pipe and status", "u1|read"},
		{"nul", "u1\x00sent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			ctx := context.Background()
			for _, uid := range []string{tc.uid, "u1"} {
				if ok, err := s.Record(ctx, Receipt{MessageID: "m", UserID: uid, Status: Delivered}); err != nil || !ok {
					t.Fatalf("Record(%q) = %v, %v", uid, ok, err)
				}
			}
			got, err := s.List(ctx, "m")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d receipts, want 2: %+v", len(got), got)
			}
			seen := map[string]Status{}
			for _, r := range got {
				seen[r.UserID] = r.Status
			}
			if seen[tc.uid] != Delivered || seen["u1"] != Delivered {
				t.Errorf("receipts = %+v", got)
			}
		})
	}
}
