// Package presence tracks per-user online status in Redis with TTL-based
// expiry. An expired record reads exactly like a missing one.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Busy    Status = "busy"
	Offline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case Online, Away, Busy, Offline:
		return true
	}
	return false
}

var ErrInvalidStatus = errors.New("presence: invalid status")

type Record struct {
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type Options struct {
	// OnlineTTL applies to live statuses (online, away, busy) and must be
	// renewed by heartbeats.
	OnlineTTL time.Duration
	// OfflineTTL keeps an explicit offline around long enough to avoid
	// flicker during reconnect storms.
	OfflineTTL time.Duration
	KeyPrefix  string
	OpTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.OnlineTTL <= 0 {
		o.OnlineTTL = 60 * time.Second
	}
	if o.OfflineTTL <= 0 {
		o.OfflineTTL = 24 * time.Hour
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "presence:"
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// Store is safe for concurrent use from any instance. Writes are single
// SET commands, so concurrent writers resolve as last-write-wins.
type Store struct {
	rdb  redis.UniversalClient
	opts Options
	now  func() time.Time
}

func NewStore(rdb redis.UniversalClient, opts Options) *Store {
	return &Store{rdb: rdb, opts: opts.withDefaults(), now: time.Now}
}

func (s *Store) key(userID string) string {
	return s.opts.KeyPrefix + userID
}

func (s *Store) ttlFor(st Status) time.Duration {
	if st == Offline {
		return s.opts.OfflineTTL
	}
	return s.opts.OnlineTTL
}

func (s *Store) SetPresence(ctx context.Context, userID string, st Status) error {
	if userID == "" {
		return fmt.Errorf("presence: empty user id")
	}
	if !st.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, st)
	}
	b, err := json.Marshal(Record{UserID: userID, Status: st, LastActiveAt: s.now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return s.rdb.Set(ctx, s.key(userID), b, s.ttlFor(st)).Err()
}

// Heartbeat refreshes the live TTL. Away and busy are kept; a missing or
// offline record becomes online, since a heartbeat proves a live connection.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	st := Online
	if r, ok, err := s.GetPresence(ctx, userID); err == nil && ok && r.Status != Offline {
		st = r.Status
	}
	return s.SetPresence(ctx, userID, st)
}

// GetPresence reports ok=false when no record exists or it has expired.
func (s *Store) GetPresence(ctx context.Context, userID string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	b, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, false, fmt.Errorf("presence: decode %s: %w", userID, err)
	}
	return r, true, nil
}

func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	r, ok, err := s.GetPresence(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return r.Status == Online, nil
}
