// Package retry is the durable queue for envelopes addressed to users that
// were offline at publish time. Items are retried with exponential backoff
// until the user is online, an attempt limit is hit or the retention window
// passes. Delivery is at-least-once.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

var (
	ErrDeliveryExhausted = errors.New("retry: delivery exhausted")
	errUndecodable       = errors.New("retry: undecodable item")
)

const (
	ReasonMaxAttempts = "max_attempts"
	ReasonRetention   = "retention"
	ReasonUndecodable = "undecodable"
)

type QueuedMessage struct {
	Envelope      event.Envelope `json:"envelope"`
	TargetUserID  string         `json:"targetUserId"`
	Attempt       int            `json:"attempt"`
	NextAttemptAt time.Time      `json:"nextAttemptAt"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// TerminalFailure is reported, never swallowed, when an item leaves the
// queue without being delivered.
type TerminalFailure struct {
	Message QueuedMessage
	Reason  string
}

func (f TerminalFailure) Error() string {
	return fmt.Sprintf("retry: message %s to %s not delivered after %d attempts (%s)",
		f.Message.Envelope.MessageID, f.Message.TargetUserID, f.Message.Attempt, f.Reason)
}

func (f TerminalFailure) Unwrap() error { return ErrDeliveryExhausted }

// OnlineChecker answers whether a user currently holds a live connection.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Publisher hands a due envelope back to the bus once its target is online.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

type Options struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Retention   time.Duration
	Batch       int
	KeyPrefix   string
	OpTimeout   time.Duration
	OnTerminal  func(ctx context.Context, f TerminalFailure)
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.Batch <= 0 {
		o.Batch = 200
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "rq:"
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// Result summarises one ProcessDue or Sweep pass.
type Result struct {
	Delivered   int
	Rescheduled int
	Failed      int
}

/*
Keys:
  - {prefix}item:{uid}  HASH messageId -> QueuedMessage JSON
  - {prefix}due         ZSET uid\x00messageId, score = nextAttemptAt ms
  - {prefix}created     ZSET uid\x00messageId, score = createdAt ms
*/
type Queue struct {
	rdb      redis.UniversalClient
	presence OnlineChecker
	pub      Publisher
	log      *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewQueue(rdb redis.UniversalClient, presence OnlineChecker, pub Publisher, log *zap.Logger, opts Options) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		rdb:      rdb,
		presence: presence,
		pub:      pub,
		log:      log,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

func (q *Queue) itemKey(uid string) string { return q.opts.KeyPrefix + "item:" + uid }
func (q *Queue) dueKey() string            { return q.opts.KeyPrefix + "due" }
func (q *Queue) createdKey() string        { return q.opts.KeyPrefix + "created" }

func member(uid, messageID string) string { return uid + "\x00" + messageID }

func splitMember(m string) (uid, messageID string, ok bool) {
	return strings.Cut(m, "\x00")
}

// Backoff returns the delay scheduled after the given number of failed
// attempts: base, 2·base, 4·base, ...
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	return q.opts.BaseDelay << attempt
}

// Enqueue is idempotent per (targetUserID, messageId): re-enqueueing an item
// already held leaves it untouched.
func (q *Queue) Enqueue(ctx context.Context, env event.Envelope, targetUserID string) error {
	if targetUserID == "" || env.MessageID == "" {
		return fmt.Errorf("retry: target user and message id are required")
	}
	now := q.now()
	qm := QueuedMessage{
		Envelope:      env,
		TargetUserID:  targetUserID,
		NextAttemptAt: now.Add(q.Backoff(0)),
		CreatedAt:     now,
	}
	b, err := json.Marshal(qm)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()
	added, err := q.rdb.HSetNX(ctx, q.itemKey(targetUserID), env.MessageID, b).Result()
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	m := member(targetUserID, env.MessageID)
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(qm.NextAttemptAt.UnixMilli()), Member: m})
		p.ZAdd(ctx, q.createdKey(), redis.Z{Score: float64(qm.CreatedAt.UnixMilli()), Member: m})
		p.Expire(ctx, q.itemKey(targetUserID), q.opts.Retention+time.Hour)
		return nil
	})
	return err
}

// Pending returns every item held for the user, oldest first, without
// removing anything.
func (q *Queue) Pending(ctx context.Context, userID string) ([]QueuedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()
	m, err := q.rdb.HGetAll(ctx, q.itemKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueuedMessage, 0, len(m))
	for id, raw := range m {
		var qm QueuedMessage
		if err := json.Unmarshal([]byte(raw), &qm); err != nil {
			q.log.Warn("retry: drop undecodable item", zap.String("user", userID), zap.String("message_id", id), zap.Error(err))
			continue
		}
		out = append(out, qm)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Envelope.MessageID < out[j].Envelope.MessageID
	})
	return out, nil
}

// Ack deletes an item and reports whether it was still queued.
func (q *Queue) Ack(ctx context.Context, userID, messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()
	var del *redis.IntCmd
	m := member(userID, messageID)
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, q.itemKey(userID), messageID)
		p.ZRem(ctx, q.dueKey(), m)
		p.ZRem(ctx, q.createdKey(), m)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// reschedule only writes back when the item still exists, so a concurrent
// Ack (flush on connect) is never undone.
var reschedule = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

func (q *Queue) load(ctx context.Context, uid, messageID string) (QueuedMessage, bool, error) {
	raw, err := q.rdb.HGet(ctx, q.itemKey(uid), messageID).Result()
	if errors.Is(err, redis.Nil) {
		return QueuedMessage{}, false, nil
	}
	if err != nil {
		return QueuedMessage{}, false, err
	}
	var qm QueuedMessage
	if err := json.Unmarshal([]byte(raw), &qm); err != nil {
		return QueuedMessage{}, false, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return qm, true, nil
}

// requeue puts a claimed member back on the due set after delay.
func (q *Queue) requeue(ctx context.Context, m string, delay time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()
	at := q.now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(at), Member: m}).Err(); err != nil {
		q.log.Warn("retry: requeue failed, left for sweep", zap.String("member", strconv.Quote(m)), zap.Error(err))
	}
}

// ProcessDue runs one attempt for every item whose nextAttemptAt has passed.
// Each item is claimed by removing it from the due set, so concurrent
// workers on different instances never attempt the same item twice.
func (q *Queue) ProcessDue(ctx context.Context) (Result, error) {
	var res Result
	now := q.now()

	rctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	members, err := q.rdb.ZRangeByScore(rctx, q.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(q.opts.Batch),
	}).Result()
	cancel()
	if err != nil {
		return res, err
	}

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		uid, messageID, ok := splitMember(m)
		if !ok {
			_ = q.rdb.ZRem(ctx, q.dueKey(), m).Err()
			continue
		}
		claimed, err := q.rdb.ZRem(ctx, q.dueKey(), m).Result()
		if err != nil {
			return res, err
		}
		if claimed == 0 {
			continue
		}
		qm, found, err := q.load(ctx, uid, messageID)
		if errors.Is(err, errUndecodable) {
			if _, aerr := q.Ack(ctx, uid, messageID); aerr != nil {
				q.log.Warn("retry: remove undecodable item failed", zap.String("user", uid), zap.String("message_id", messageID), zap.Error(aerr))
			}
			q.report(ctx, TerminalFailure{
				Message: QueuedMessage{Envelope: event.Envelope{MessageID: messageID}, TargetUserID: uid},
				Reason:  ReasonUndecodable,
			})
			res.Failed++
			continue
		}
		if err != nil {
			q.log.Warn("retry: load item failed, requeued", zap.String("user", uid), zap.String("message_id", messageID), zap.Error(err))
			q.requeue(ctx, m, q.Backoff(0))
			continue
		}
		if !found {
			_ = q.rdb.ZRem(ctx, q.createdKey(), m).Err()
			continue
		}

		switch q.attempt(ctx, qm) {
		case outcomeDelivered:
			res.Delivered++
		case outcomeRescheduled:
			res.Rescheduled++
		case outcomeFailed:
			res.Failed++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRescheduled
	outcomeFailed
	outcomeGone
)

func (q *Queue) attempt(ctx context.Context, qm QueuedMessage) outcome {
	uid, messageID := qm.TargetUserID, qm.Envelope.MessageID

	online, err := q.presence.IsOnline(ctx, uid)
	if err != nil {
		// unknown presence counts as offline
		q.log.Warn("retry: presence lookup failed", zap.String("user", uid), zap.Error(err))
		online = false
	}
	if online {
		perr := q.pub.Publish(ctx, qm.Envelope)
		if perr == nil {
			if _, err := q.Ack(ctx, uid, messageID); err != nil {
				q.log.Warn("retry: ack after delivery failed", zap.String("user", uid), zap.String("message_id", messageID), zap.Error(err))
			}
			return outcomeDelivered
		}
		q.log.Warn("retry: publish failed", zap.String("user", uid), zap.String("message_id", messageID), zap.Error(perr))
	}

	qm.Attempt++
	if qm.Attempt >= q.opts.MaxAttempts {
		if _, err := q.Ack(ctx, uid, messageID); err != nil {
			q.log.Warn("retry: remove exhausted item failed", zap.String("user", uid), zap.String("message_id", messageID), zap.Error(err))
		}
		q.report(ctx, TerminalFailure{Message: qm, Reason: ReasonMaxAttempts})
		return outcomeFailed
	}

	qm.NextAttemptAt = q.now().Add(q.Backoff(qm.Attempt))
	b, err := json.Marshal(qm)
	if err != nil {
		return outcomeGone
	}
	kept, err := reschedule.Run(ctx, q.rdb,
		[]string{q.itemKey(uid), q.dueKey()},
		messageID, string(b), qm.NextAttemptAt.UnixMilli(), member(uid, messageID),
	).Int()
	if err != nil {
		q.log.Warn("retry: reschedule failed", zap.String("user", uid), zap.String("message_id", messageID), zap.Error(err))
		q.requeue(ctx, member(uid, messageID), q.Backoff(qm.Attempt))
		return outcomeGone
	}
	if kept == 0 {
		return outcomeGone
	}
	return outcomeRescheduled
}

// Sweep removes items older than the retention window whatever their
// attempt count.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.opts.Retention)
	rctx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	members, err := q.rdb.ZRangeByScore(rctx, q.createdKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(q.opts.Batch),
	}).Result()
	cancel()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range members {
		uid, messageID, ok := splitMember(m)
		if !ok {
			_ = q.rdb.ZRem(ctx, q.createdKey(), m).Err()
			continue
		}
		qm, found, lerr := q.load(ctx, uid, messageID)
		removed, err := q.Ack(ctx, uid, messageID)
		if err != nil {
			return n, err
		}
		if !removed {
			continue
		}
		switch {
		case found:
			n++
			q.report(ctx, TerminalFailure{Message: qm, Reason: ReasonRetention})
		case errors.Is(lerr, errUndecodable):
			n++
			q.report(ctx, TerminalFailure{
				Message: QueuedMessage{Envelope: event.Envelope{MessageID: messageID}, TargetUserID: uid},
				Reason:  ReasonUndecodable,
			})
		}
	}
	return n, nil
}

func (q *Queue) report(ctx context.Context, f TerminalFailure) {
	q.log.Warn("retry: terminal delivery failure",
		zap.String("user", f.Message.TargetUserID),
		zap.String("message_id", f.Message.Envelope.MessageID),
		zap.String("event", f.Message.Envelope.Event),
		zap.Int("attempts", f.Message.Attempt),
		zap.String("reason", f.Reason),
	)
	if q.opts.OnTerminal != nil {
		q.opts.OnTerminal(ctx, f)
	}
}
