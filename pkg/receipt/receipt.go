// Package receipt records delivery receipts. Receipts are observations for
// notifying senders, not authoritative state.
package receipt

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
)

func (s Status) Valid() bool {
	return s == Sent || s == Delivered || s == Read
}

type Receipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Options struct {
	TTL       time.Duration
	KeyPrefix string
	OpTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "receipt:"
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// Store keeps one hash per message: field "<userId>\x00<status>", value the
// first-seen unix millis. Fields split on the last separator since a status
// never contains one.
type Store struct {
	rdb  redis.UniversalClient
	opts Options
}

func NewStore(rdb redis.UniversalClient, opts Options) *Store {
	return &Store{rdb: rdb, opts: opts.withDefaults()}
}

const fieldSep = "\x00"

func field(userID string, st Status) string {
	return userID + fieldSep + string(st)
}

func splitField(f string) (string, Status, bool) {
	i := strings.LastIndex(f, fieldSep)
	if i < 0 {
		return "", "", false
	}
	return f[:i], Status(f[i+len(fieldSep):]), true
}

func (s *Store) key(messageID string) string {
	return s.opts.KeyPrefix + messageID
}

// Record stores r and reports whether it was new. Recording the same
// (messageId, userId, status) again changes nothing and returns false.
func (s *Store) Record(ctx context.Context, r Receipt) (bool, error) {
	if r.MessageID == "" || r.UserID == "" {
		return false, fmt.Errorf("receipt: message id and user id are required")
	}
	if !r.Status.Valid() {
		return false, fmt.Errorf("receipt: invalid status %q", r.Status)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	key := s.key(r.MessageID)
	added, err := s.rdb.HSetNX(ctx, key, field(r.UserID, r.Status), r.Timestamp.UnixMilli()).Result()
	if err != nil {
		return false, err
	}
	if added {
		_ = s.rdb.Expire(ctx, key, s.opts.TTL).Err()
	}
	return added, nil
}

// List returns the receipts recorded for a message, ordered by user then status.
func (s *Store) List(ctx context.Context, messageID string) ([]Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	m, err := s.rdb.HGetAll(ctx, s.key(messageID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Receipt, 0, len(m))
	for f, v := range m {
		uid, st, ok := splitField(f)
		if !ok {
			continue
		}
		ms, _ := strconv.ParseInt(v, 10, 64)
		out = append(out, Receipt{
			MessageID: messageID,
			UserID:    uid,
			Status:    st,
			Timestamp: time.UnixMilli(ms).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}
