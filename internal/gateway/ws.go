package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/internal/auth"
	"github.com/lzyats/yuim-realtime/internal/hub"
	"github.com/lzyats/yuim-realtime/pkg/event"
	"github.com/lzyats/yuim-realtime/pkg/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const maxInternalBody = 1 << 20

// Routes registers the websocket endpoint and the internal API on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", g.ServeWS)
	mux.HandleFunc("POST /internal/broadcast", g.handleBroadcast)
	mux.HandleFunc("GET /internal/presence/{userId}", g.handlePresence)
}

// ServeWS authenticates before upgrading; a bad token gets a plain 401 and
// no socket.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractToken(r, g.opts.TokenLookup)
	id, err := g.Authenticate(r.Context(), token)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrAuthentication) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, replyFrame{Error: ptr(ToWire(err))})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("gateway: upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(g.opts.ReadLimit)

	// ctx lives as long as the read loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := g.attach(ctx, id, ws)
	go g.writeLoop(c)
	g.readLoop(ctx, c)
}

func (g *Gateway) readLoop(ctx context.Context, c *hub.Conn) {
	h := c.Handle()
	defer g.Disconnect(h)
	for {
		_, data, err := c.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("gateway: read failed", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil {
			g.reply(c, "", nil, invalidf("malformed frame: %v", err))
			continue
		}
		ev, err := DecodeClientEvent(f.Event, f.Data)
		if err != nil {
			g.reply(c, f.ID, nil, err)
			continue
		}
		res, err := g.Send(ctx, h, ev)
		if errors.Is(err, ErrNotConnected) {
			return
		}
		g.reply(c, f.ID, res, err)
	}
}

func (g *Gateway) reply(c *hub.Conn, id string, data any, err error) {
	f := replyFrame{ID: id, OK: err == nil, Data: data}
	if err != nil {
		f.Data = nil
		f.Error = ptr(ToWire(err))
	}
	b, merr := json.Marshal(f)
	if merr != nil {
		g.log.Warn("gateway: encode reply failed", zap.Error(merr))
		return
	}
	g.enqueue(c, b, event.Envelope{Event: "reply"})
}

// writeLoop is the only writer of c.WS. It ends when Out is closed or a
// write fails.
func (g *Gateway) writeLoop(c *hub.Conn) {
	defer func() {
		_ = c.WS.Close()
	}()
	for b := range c.Out {
		_ = c.WS.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
		if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
			// the reader sees the closed socket and disconnects
			g.log.Debug("gateway: write to closing socket", zap.String("conn", c.ID), zap.Error(err))
			return
		}
	}
	_ = c.WS.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.WS.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// POST /internal/broadcast {envelope}
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var env event.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInternalBody))
	if err := dec.Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, replyFrame{Error: ptr(ToWire(invalidf("decode envelope: %v", err)))})
		return
	}
	out, err := g.BroadcastMessage(r.Context(), env)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrValidation) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, replyFrame{Error: ptr(ToWire(err))})
		return
	}
	writeJSON(w, http.StatusAccepted, replyFrame{OK: true, Data: map[string]any{
		"messageId": out.MessageID,
		"timestamp": out.Timestamp,
	}})
}

// GET /internal/presence/{userId}
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(r.PathValue("userId"))
	if uid == "" {
		writeJSON(w, http.StatusBadRequest, replyFrame{Error: ptr(ToWire(invalidf("userId is required")))})
		return
	}
	rec, ok, err := g.Presence(r.Context(), uid)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, replyFrame{Error: ptr(ToWire(err))})
		return
	}
	body := map[string]any{
		"userId": uid,
		"online": ok && rec.Status == presence.Online,
		"status": "offline",
	}
	if ok {
		body["status"] = rec.Status
		body["lastActiveAt"] = rec.LastActiveAt
	}
	body["localConnections"] = g.reg.UserConnCount(uid)
	writeJSON(w, http.StatusOK, replyFrame{OK: true, Data: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ptr[T any](v T) *T { return &v }
