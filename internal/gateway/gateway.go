// Package gateway accepts client connections, turns client events into
// envelopes on the bus and fans envelopes from the bus out to the sockets
// held by this instance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/internal/auth"
	"github.com/lzyats/yuim-realtime/internal/breaker"
	"github.com/lzyats/yuim-realtime/internal/hub"
	"github.com/lzyats/yuim-realtime/internal/metrics"
	"github.com/lzyats/yuim-realtime/pkg/bus"
	"github.com/lzyats/yuim-realtime/pkg/event"
	"github.com/lzyats/yuim-realtime/pkg/presence"
	"github.com/lzyats/yuim-realtime/pkg/receipt"
	"github.com/lzyats/yuim-realtime/pkg/retry"
)

type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, st presence.Status) error
	Heartbeat(ctx context.Context, userID string) error
	GetPresence(ctx context.Context, userID string) (presence.Record, bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type RetryQueue interface {
	Enqueue(ctx context.Context, env event.Envelope, targetUserID string) error
	Pending(ctx context.Context, userID string) ([]retry.QueuedMessage, error)
	Ack(ctx context.Context, userID, messageID string) (bool, error)
}

type ReceiptStore interface {
	Record(ctx context.Context, r receipt.Receipt) (bool, error)
}

const (
	breakerPresence = "presence"
	breakerBus      = "bus"
)

type Options struct {
	NodeID            string
	HeartbeatInterval time.Duration
	OutQueue          int
	RateLimits        map[string]Limit
	// OpTimeout bounds every store and bus call made on behalf of a client.
	OpTimeout time.Duration

	TokenLookup  auth.TokenLookup
	WriteTimeout time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.NodeID == "" {
		o.NodeID = "gw-local"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.OutQueue <= 0 {
		o.OutQueue = 256
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	if o.TokenLookup == (auth.TokenLookup{}) {
		o.TokenLookup = auth.TokenLookup{
			QueryKey:     "token",
			Header:       "Authorization",
			BearerPrefix: "Bearer ",
			CookieName:   "token",
		}
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	return o
}

// Deps are the collaborators a Gateway is built from. Breaker may be nil.
type Deps struct {
	Verifier auth.Verifier
	Bus      bus.Bus
	Presence PresenceStore
	Queue    RetryQueue
	Receipts ReceiptStore
	IDs      *event.IDGenerator
	Breaker  *breaker.Breaker
	Log      *zap.Logger
}

type Gateway struct {
	reg      *hub.Registry
	verifier auth.Verifier
	bus      bus.Bus
	presence PresenceStore
	queue    RetryQueue
	receipts ReceiptStore
	ids      *event.IDGenerator
	brk      *breaker.Breaker
	log      *zap.Logger
	opts     Options
	now      func() time.Time

	limiters sync.Map // hub.Handle -> *connLimiter
}

func New(reg *hub.Registry, d Deps, opts Options) (*Gateway, error) {
	if reg == nil || d.Verifier == nil || d.Bus == nil || d.Presence == nil || d.Queue == nil || d.Receipts == nil {
		return nil, errors.New("gateway: registry, verifier, bus, presence, queue and receipts are required")
	}
	opts = opts.withDefaults()
	ids := d.IDs
	if ids == nil {
		var err error
		if ids, err = event.NewIDGenerator(event.MachineID(opts.NodeID)); err != nil {
			return nil, err
		}
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		reg:      reg,
		verifier: d.Verifier,
		bus:      d.Bus,
		presence: d.Presence,
		queue:    d.Queue,
		receipts: d.Receipts,
		ids:      ids,
		brk:      d.Breaker,
		log:      log.With(zap.String("node", opts.NodeID)),
		opts:     opts,
		now:      time.Now,
	}, nil
}

// Start subscribes the fan-out handler. Call once.
func (g *Gateway) Start(ctx context.Context) error {
	return g.bus.Subscribe(ctx, g.deliver)
}

// Shutdown disconnects every local connection.
func (g *Gateway) Shutdown() {
	for _, c := range g.reg.All() {
		g.Disconnect(c.Handle())
	}
}

func (g *Gateway) Registry() *hub.Registry { return g.reg }

func privateRoom(userID string) string { return PrivateRoomPrefix + userID }

// Authenticate verifies a bearer token without registering anything.
func (g *Gateway) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		metrics.ConnectRejected.WithLabelValues("missing_token").Inc()
		return auth.Identity{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	id, err := g.verifier.Verify(ctx, token)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		metrics.ConnectRejected.WithLabelValues("invalid_token").Inc()
		return auth.Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	metrics.ConnectRejected.WithLabelValues("verifier_error").Inc()
	g.log.Warn("gateway: token verification failed", zap.Error(err))
	return auth.Identity{}, fmt.Errorf("%w: %v", ErrTransientIO, err)
}

// Connect authenticates token and registers a connection for ws. ws may be
// nil for callers that read frames straight from Conn.Out.
func (g *Gateway) Connect(ctx context.Context, token string, ws *websocket.Conn) (*hub.Conn, error) {
	id, err := g.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return g.attach(ctx, id, ws), nil
}

func (g *Gateway) attach(ctx context.Context, id auth.Identity, ws *websocket.Conn) *hub.Conn {
	c := hub.NewConn(id.UserID, ws, g.opts.OutQueue)
	h := g.reg.Add(c)
	g.limiters.Store(h, newConnLimiter(g.opts.RateLimits))
	_, _ = g.reg.Join(h, privateRoom(id.UserID))
	metrics.OnlineConns.Set(float64(g.reg.Len()))

	if err := g.setPresence(ctx, id.UserID, presence.Online); err != nil {
		g.log.Warn("gateway: mark online failed", zap.String("user", id.UserID), zap.Error(err))
	}

	hello, _ := event.New(event.Connected, map[string]any{
		"connectionId":        c.ID,
		"userId":              id.UserID,
		"heartbeatIntervalMs": g.opts.HeartbeatInterval.Milliseconds(),
	})
	hello.Timestamp = g.now().UTC()
	g.emit(c, hello)

	g.flush(ctx, c)

	c.ResetHeartbeat(g.now(), 2*g.opts.HeartbeatInterval, func(seq uint64) { g.expire(h, seq) })
	g.log.Info("gateway: connected",
		zap.String("user", id.UserID),
		zap.String("conn", c.ID),
		zap.Stringer("handle", h),
	)
	return c
}

// flush emits every queued envelope for the user straight to c, acks it,
// records a delivered receipt and tells the original sender.
func (g *Gateway) flush(ctx context.Context, c *hub.Conn) {
	items, err := g.queue.Pending(ctx, c.UserID)
	if err != nil {
		g.log.Warn("gateway: read retry queue failed", zap.String("user", c.UserID), zap.Error(err))
		return
	}
	for i, it := range items {
		if !g.emit(c, it.Envelope) {
			// left queued for the retry worker
			g.log.Warn("gateway: flush stopped on full queue",
				zap.String("user", c.UserID), zap.Int("remaining", len(items)-i))
			return
		}
		if _, err := g.queue.Ack(ctx, c.UserID, it.Envelope.MessageID); err != nil {
			g.log.Warn("gateway: ack flushed item failed", zap.String("user", c.UserID),
				zap.String("message_id", it.Envelope.MessageID), zap.Error(err))
		}
		metrics.RetryFlushed.Inc()
		g.markDelivered(ctx, it.Envelope, c.UserID)
	}
}

func (g *Gateway) markDelivered(ctx context.Context, env event.Envelope, userID string) {
	now := g.now().UTC()
	first, err := g.receipts.Record(ctx, receipt.Receipt{
		MessageID: env.MessageID,
		UserID:    userID,
		Status:    receipt.Delivered,
		Timestamp: now,
	})
	if err != nil {
		g.log.Warn("gateway: record delivered receipt failed", zap.String("message_id", env.MessageID), zap.Error(err))
		return
	}
	sender := env.Meta(event.MetaSenderID)
	if !first || sender == "" || sender == userID {
		return
	}
	note, _ := event.New(event.MessageDelivered, map[string]any{
		"messageId": env.MessageID,
		"userId":    userID,
		"status":    receipt.Delivered,
		"timestamp": now,
	})
	note.UserID = sender
	g.publish(ctx, g.stamp(note))
}

// Disconnect cancels the heartbeat timer and unregisters the connection. On
// the user's last local connection presence goes offline and a
// presenceUpdate is broadcast.
func (g *Gateway) Disconnect(h hub.Handle) {
	c, last, ok := g.reg.Remove(h)
	if !ok {
		return
	}
	g.detach(h, c, last)
}

func (g *Gateway) detach(h hub.Handle, c *hub.Conn, last bool) {
	c.Close()
	g.limiters.Delete(h)
	metrics.OnlineConns.Set(float64(g.reg.Len()))
	g.log.Info("gateway: disconnected", zap.String("user", c.UserID), zap.String("conn", c.ID), zap.Bool("last", last))
	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.OpTimeout)
	defer cancel()
	if err := g.setPresence(ctx, c.UserID, presence.Offline); err != nil {
		g.log.Warn("gateway: mark offline failed", zap.String("user", c.UserID), zap.Error(err))
	}
	g.publish(ctx, g.presenceEnvelope(c.UserID, presence.Offline))
}

// expire drops the connection unless a heartbeat arrived after the timer
// armed with seq fired.
func (g *Gateway) expire(h hub.Handle, seq uint64) {
	c, last, ok := g.reg.RemoveExpired(h, seq)
	if !ok {
		return
	}
	metrics.HeartbeatTimeouts.Inc()
	g.log.Info("gateway: heartbeat timeout",
		zap.String("user", c.UserID),
		zap.String("conn", c.ID),
		zap.Time("last_heartbeat", c.LastHeartbeat()),
	)
	g.detach(h, c, last)
}

// Send runs one client event. The connection stays open whatever the
// outcome.
func (g *Gateway) Send(ctx context.Context, h hub.Handle, ev ClientEvent) (any, error) {
	res, err := g.send(ctx, h, ev)
	name := "unknown"
	if ev != nil {
		name = ev.Name()
	}
	code := Code(err)
	if code == "" {
		code = "OK"
	}
	metrics.ClientEvents.WithLabelValues(name, code).Inc()
	return res, err
}

func (g *Gateway) send(ctx context.Context, h hub.Handle, ev ClientEvent) (any, error) {
	c, ok := g.reg.Get(h)
	if !ok {
		return nil, ErrNotConnected
	}
	if ev == nil {
		return nil, invalidf("event is required")
	}
	if err := ev.Validate(); err != nil {
		if !errors.Is(err, ErrValidation) {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	if lim, ok := g.limiters.Load(h); ok && !lim.(*connLimiter).Allow(ev.Name(), g.now()) {
		metrics.RateLimited.WithLabelValues(ev.Name()).Inc()
		g.log.Warn("gateway: rate limited",
			zap.String("user", c.UserID),
			zap.String("conn", c.ID),
			zap.String("event", ev.Name()),
		)
		return nil, fmt.Errorf("%w: too many %s events", ErrRateLimited, ev.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.OpTimeout)
	defer cancel()

	switch e := ev.(type) {
	case SendMessage:
		return g.sendMessage(ctx, c, e)
	case JoinRoom:
		return g.joinRoom(ctx, c, e)
	case LeaveRoom:
		return g.leaveRoom(ctx, c, e)
	case TypingIndicator:
		return g.typing(ctx, c, e)
	case PresenceUpdate:
		return g.presenceUpdate(ctx, c, e)
	case ReadReceipt:
		return g.readReceipt(ctx, c, e)
	case Heartbeat:
		return g.heartbeat(ctx, c)
	default:
		return nil, invalidf("unsupported event %T", ev)
	}
}

// MessageAck is returned for sendMessage before fan-out completes.
type MessageAck struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

func (g *Gateway) sendMessage(ctx context.Context, c *hub.Conn, e SendMessage) (any, error) {
	id, err := g.ids.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: message id: %v", ErrTransientIO, err)
	}
	now := g.now().UTC()
	data := map[string]any{
		"messageId": id,
		"roomId":    e.RoomID,
		"senderId":  c.UserID,
		"content":   e.Content,
		"timestamp": now,
	}
	if e.ReplyToID != "" {
		data["replyToId"] = e.ReplyToID
	}
	if len(e.Attachment) > 0 {
		data["attachment"] = e.Attachment
	}
	env, err := event.New(event.NewMessage, data)
	if err != nil {
		return nil, invalidf("encode message: %v", err)
	}
	env.Room = e.RoomID
	env.MessageID = id
	env.Timestamp = now
	env.Metadata = map[string]string{event.MetaSenderID: c.UserID}
	g.publish(ctx, g.stamp(env))

	if _, err := g.receipts.Record(ctx, receipt.Receipt{MessageID: id, UserID: c.UserID, Status: receipt.Sent, Timestamp: now}); err != nil {
		g.log.Debug("gateway: record sent receipt failed", zap.String("message_id", id), zap.Error(err))
	}
	return MessageAck{MessageID: id, Timestamp: now, Status: string(receipt.Sent)}, nil
}

func (g *Gateway) joinRoom(ctx context.Context, c *hub.Conn, e JoinRoom) (any, error) {
	added, err := g.reg.Join(c.Handle(), e.RoomID)
	if err != nil {
		return nil, ErrNotConnected
	}
	ack := map[string]any{"roomId": e.RoomID}
	g.emitTo(c, event.JoinedRoom, ack)
	if added {
		g.publishRoomNotice(ctx, c, event.UserJoinedRoom, e.RoomID)
	}
	return ack, nil
}

func (g *Gateway) leaveRoom(ctx context.Context, c *hub.Conn, e LeaveRoom) (any, error) {
	removed, err := g.reg.Leave(c.Handle(), e.RoomID)
	if err != nil {
		return nil, ErrNotConnected
	}
	ack := map[string]any{"roomId": e.RoomID}
	g.emitTo(c, event.LeftRoom, ack)
	if removed {
		g.publishRoomNotice(ctx, c, event.UserLeftRoom, e.RoomID)
	}
	return ack, nil
}

func (g *Gateway) publishRoomNotice(ctx context.Context, c *hub.Conn, name, room string) {
	env, _ := event.New(name, map[string]any{"roomId": room, "userId": c.UserID})
	env.Room = room
	env.Metadata = map[string]string{event.MetaExcludeConn: c.ID}
	g.publish(ctx, g.stamp(env))
}

func (g *Gateway) typing(ctx context.Context, c *hub.Conn, e TypingIndicator) (any, error) {
	env, _ := event.New(event.UserTyping, map[string]any{
		"roomId":   e.RoomID,
		"userId":   c.UserID,
		"isTyping": e.IsTyping,
	})
	env.Room = e.RoomID
	env.Metadata = map[string]string{event.MetaExcludeConn: c.ID}
	g.publish(ctx, g.stamp(env))
	return nil, nil
}

func (g *Gateway) presenceUpdate(ctx context.Context, c *hub.Conn, e PresenceUpdate) (any, error) {
	if err := g.setPresence(ctx, c.UserID, e.Status); err != nil {
		return nil, fmt.Errorf("%w: presence: %v", ErrTransientIO, err)
	}
	g.publish(ctx, g.presenceEnvelope(c.UserID, e.Status))
	return map[string]any{"status": e.Status}, nil
}

func (g *Gateway) readReceipt(ctx context.Context, c *hub.Conn, e ReadReceipt) (any, error) {
	now := g.now().UTC()
	first, err := g.receipts.Record(ctx, receipt.Receipt{
		MessageID: e.MessageID,
		UserID:    c.UserID,
		Status:    receipt.Read,
		Timestamp: now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: receipt: %v", ErrTransientIO, err)
	}
	if first {
		env, _ := event.New(event.MessageRead, map[string]any{
			"messageId": e.MessageID,
			"roomId":    e.RoomID,
			"userId":    c.UserID,
			"timestamp": now,
		})
		env.Room = e.RoomID
		g.publish(ctx, g.stamp(env))
	}
	return map[string]any{"messageId": e.MessageID, "status": receipt.Read}, nil
}

func (g *Gateway) heartbeat(ctx context.Context, c *hub.Conn) (any, error) {
	h := c.Handle()
	if !c.ResetHeartbeat(g.now(), 2*g.opts.HeartbeatInterval, func(seq uint64) { g.expire(h, seq) }) {
		return nil, ErrNotConnected
	}
	err := g.guard(breakerPresence, func() error { return g.presence.Heartbeat(ctx, c.UserID) })
	if err != nil {
		g.log.Warn("gateway: presence heartbeat failed", zap.String("user", c.UserID), zap.Error(err))
	}
	return map[string]any{"heartbeatIntervalMs": g.opts.HeartbeatInterval.Milliseconds()}, nil
}

func (g *Gateway) presenceEnvelope(userID string, st presence.Status) event.Envelope {
	now := g.now().UTC()
	env, _ := event.New(event.PresenceUpdate, map[string]any{
		"userId":       userID,
		"status":       st,
		"lastActiveAt": now,
	})
	env.Timestamp = now
	return g.stamp(env)
}

// BroadcastMessage is the entry point for other subsystems. A user-directed
// envelope whose target is not online at publish time is also queued for
// retry. It returns the envelope as published, ids filled in.
func (g *Gateway) BroadcastMessage(ctx context.Context, env event.Envelope) (event.Envelope, error) {
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	env, err := g.ids.Stamp(env.Clone(), g.now())
	if err != nil {
		return env, fmt.Errorf("%w: message id: %v", ErrTransientIO, err)
	}

	online := true
	if env.Target() == event.TargetUser {
		online = g.IsUserOnline(ctx, env.UserID)
	}
	g.publish(ctx, env)

	if !online {
		if err := g.queue.Enqueue(ctx, env, env.UserID); err != nil {
			g.log.Warn("gateway: enqueue for offline user failed",
				zap.String("user", env.UserID), zap.String("message_id", env.MessageID), zap.Error(err))
			return env, fmt.Errorf("%w: retry queue: %v", ErrTransientIO, err)
		}
		metrics.RetryEnqueued.Inc()
		g.log.Debug("gateway: queued for offline user", zap.String("user", env.UserID), zap.String("message_id", env.MessageID))
	}
	return env, nil
}

// IsUserOnline never fails: an unreachable presence store reads as offline.
func (g *Gateway) IsUserOnline(ctx context.Context, userID string) bool {
	var online bool
	err := g.guard(breakerPresence, func() error {
		var err error
		online, err = g.presence.IsOnline(ctx, userID)
		return err
	})
	if err != nil {
		metrics.PresenceFallback.Inc()
		g.log.Warn("gateway: presence lookup failed, assuming offline", zap.String("user", userID), zap.Error(err))
		return false
	}
	return online
}

// Presence returns the stored record for the internal presence endpoint.
func (g *Gateway) Presence(ctx context.Context, userID string) (presence.Record, bool, error) {
	var (
		rec presence.Record
		ok  bool
	)
	err := g.guard(breakerPresence, func() error {
		var err error
		rec, ok, err = g.presence.GetPresence(ctx, userID)
		return err
	})
	if err != nil {
		return presence.Record{}, false, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return rec, ok, nil
}

func (g *Gateway) setPresence(ctx context.Context, userID string, st presence.Status) error {
	return g.guard(breakerPresence, func() error { return g.presence.SetPresence(ctx, userID, st) })
}

func (g *Gateway) stamp(env event.Envelope) event.Envelope {
	out, err := g.ids.Stamp(env, g.now())
	if err != nil {
		g.log.Warn("gateway: stamp envelope failed", zap.String("event", env.Event), zap.Error(err))
		return env
	}
	return out
}

// publish is fire-and-forget: a failure is logged, counted and dropped.
func (g *Gateway) publish(ctx context.Context, env event.Envelope) {
	if env.Metadata == nil || env.Metadata[event.MetaOrigin] == "" {
		env.Metadata = cloneMeta(env.Metadata)
		env.Metadata[event.MetaOrigin] = g.opts.NodeID
	}
	err := g.guard(breakerBus, func() error { return g.bus.Publish(ctx, env) })
	if err != nil {
		metrics.BusPublishFailed.Inc()
		g.log.Warn("gateway: publish failed, dropped",
			zap.String("event", env.Event),
			zap.String("target", env.Target().String()),
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		return
	}
	metrics.BusPublished.Inc()
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// guard runs fn behind the named circuit breaker.
func (g *Gateway) guard(key string, fn func() error) error {
	if g.brk == nil {
		return fn()
	}
	if !g.brk.Allow(key) {
		return fmt.Errorf("%w: %s circuit open", ErrTransientIO, key)
	}
	err := fn()
	if err == nil {
		g.brk.Success(key)
		return nil
	}
	if g.brk.Failure(key) {
		metrics.BreakerOpen.WithLabelValues(key).Inc()
		g.log.Warn("gateway: circuit opened", zap.String("key", key), zap.Error(err))
	}
	return err
}

// deliver is the bus handler. It only performs non-blocking enqueues and
// never publishes.
func (g *Gateway) deliver(env event.Envelope) {
	metrics.BusReceived.Inc()
	var conns []*hub.Conn
	switch env.Target() {
	case event.TargetRoom:
		conns = g.reg.RoomConns(env.Room)
	case event.TargetUser:
		conns = g.reg.UserConns(env.UserID)
	default:
		conns = g.reg.All()
	}
	if len(conns) == 0 {
		return
	}
	b, err := event.Encode(env)
	if err != nil {
		g.log.Warn("gateway: encode envelope failed", zap.String("event", env.Event), zap.Error(err))
		return
	}
	skip := env.Meta(event.MetaExcludeConn)
	for _, c := range conns {
		if skip != "" && c.ID == skip {
			continue
		}
		g.enqueue(c, b, env)
	}
}

// emit sends env to one connection without going through the bus.
func (g *Gateway) emit(c *hub.Conn, env event.Envelope) bool {
	b, err := event.Encode(env)
	if err != nil {
		g.log.Warn("gateway: encode envelope failed", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return g.enqueue(c, b, env)
}

func (g *Gateway) emitTo(c *hub.Conn, name string, data any) {
	env, err := event.New(name, data)
	if err != nil {
		return
	}
	env.UserID = c.UserID
	env.Timestamp = g.now().UTC()
	g.emit(c, env)
}

func (g *Gateway) enqueue(c *hub.Conn, b []byte, env event.Envelope) bool {
	if c.Enqueue(b) {
		metrics.WSPushOK.Inc()
		return true
	}
	metrics.WSPushBackpressure.Inc()
	g.log.Debug("gateway: dropped frame",
		zap.String("user", c.UserID),
		zap.String("conn", c.ID),
		zap.String("event", env.Event),
		zap.String("message_id", env.MessageID),
	)
	return false
}

// reply frames

type inFrame struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type replyFrame struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}
