package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/lzyats/yuim-realtime/pkg/presence"
)

// Client → server event names.
const (
	EvSendMessage     = "sendMessage"
	EvJoinRoom        = "joinRoom"
	EvLeaveRoom       = "leaveRoom"
	EvTypingIndicator = "typingIndicator"
	EvPresenceUpdate  = "presenceUpdate"
	EvReadReceipt     = "readReceipt"
	EvHeartbeat       = "heartbeat"
)

const (
	maxContentRunes = 4000
	maxIDLen        = 128
	// PrivateRoomPrefix marks the per-user rooms joined at connect. Clients
	// cannot join or leave them.
	PrivateRoomPrefix = "user:"
)

// ClientEvent is the closed set of events a client may send. Dispatch is a
// type switch in Gateway.Send.
type ClientEvent interface {
	Name() string
	Validate() error
}

type SendMessage struct {
	Content    string          `json:"content"`
	RoomID     string          `json:"roomId"`
	ReplyToID  string          `json:"replyToId,omitempty"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type TypingIndicator struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type PresenceUpdate struct {
	Status presence.Status `json:"status"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type Heartbeat struct{}

func (SendMessage) Name() string     { return EvSendMessage }
func (JoinRoom) Name() string        { return EvJoinRoom }
func (LeaveRoom) Name() string       { return EvLeaveRoom }
func (TypingIndicator) Name() string { return EvTypingIndicator }
func (PresenceUpdate) Name() string  { return EvPresenceUpdate }
func (ReadReceipt) Name() string     { return EvReadReceipt }
func (Heartbeat) Name() string       { return EvHeartbeat }

func (e SendMessage) Validate() error {
	if strings.TrimSpace(e.Content) == "" {
		return invalidf("content is required")
	}
	if utf8.RuneCountInString(e.Content) > maxContentRunes {
		return invalidf("content exceeds %d characters", maxContentRunes)
	}
	if err := validRoom("roomId", e.RoomID); err != nil {
		return err
	}
	if len(e.ReplyToID) > maxIDLen {
		return invalidf("replyToId too long")
	}
	if len(e.Attachment) > 0 {
		a := bytes.TrimSpace(e.Attachment)
		if len(a) == 0 || a[0] != '{' || !json.Valid(a) {
			return invalidf("attachment must be an object")
		}
	}
	return nil
}

func (e JoinRoom) Validate() error  { return validClientRoom(e.RoomID) }
func (e LeaveRoom) Validate() error { return validClientRoom(e.RoomID) }

func (e TypingIndicator) Validate() error { return validRoom("roomId", e.RoomID) }

func (e PresenceUpdate) Validate() error {
	if !e.Status.Valid() {
		return invalidf("status must be one of online, away, busy, offline")
	}
	return nil
}

func (e ReadReceipt) Validate() error {
	if e.MessageID == "" || len(e.MessageID) > maxIDLen {
		return invalidf("messageId is required")
	}
	return validRoom("roomId", e.RoomID)
}

func (Heartbeat) Validate() error { return nil }

func validRoom(field, room string) error {
	if strings.TrimSpace(room) == "" {
		return invalidf("%s is required", field)
	}
	if len(room) > maxIDLen {
		return invalidf("%s too long", field)
	}
	return nil
}

func validClientRoom(room string) error {
	if err := validRoom("roomId", room); err != nil {
		return err
	}
	if strings.HasPrefix(room, PrivateRoomPrefix) {
		return invalidf("roomId %q is reserved", room)
	}
	return nil
}

// DecodeClientEvent turns a frame's event name and data into a typed event.
// Unknown names and fields are validation errors; the result is not yet
// validated.
func DecodeClientEvent(name string, data json.RawMessage) (ClientEvent, error) {
	var ev ClientEvent
	switch name {
	case EvSendMessage:
		ev = &SendMessage{}
	case EvJoinRoom:
		ev = &JoinRoom{}
	case EvLeaveRoom:
		ev = &LeaveRoom{}
	case EvTypingIndicator:
		ev = &TypingIndicator{}
	case EvPresenceUpdate:
		ev = &PresenceUpdate{}
	case EvReadReceipt:
		ev = &ReadReceipt{}
	case EvHeartbeat:
		ev = &Heartbeat{}
	case "":
		return nil, invalidf("event is required")
	default:
		return nil, invalidf("unknown event %q", name)
	}
	if d := bytes.TrimSpace(data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(d))
		dec.DisallowUnknownFields()
		if err := dec.Decode(ev); err != nil {
			return nil, invalidf("%s: %v", name, err)
		}
	}
	return deref(ev), nil
}

func deref(ev ClientEvent) ClientEvent {
	switch e := ev.(type) {
	case *SendMessage:
		return *e
	case *JoinRoom:
		return *e
	case *LeaveRoom:
		return *e
	case *TypingIndicator:
		return *e
	case *PresenceUpdate:
		return *e
	case *ReadReceipt:
		return *e
	case *Heartbeat:
		return *e
	}
	return ev
}
