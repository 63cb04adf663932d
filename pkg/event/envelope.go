// Package event defines the Envelope, the unit every instance publishes on
// the bus and emits to sockets.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Server → client event names.
const (
	NewMessage       = "newMessage"
	UserTyping       = "userTyping"
	PresenceUpdate   = "presenceUpdate"
	MessageRead      = "messageRead"
	MessageDelivered = "message.delivered"
	JoinedRoom       = "joinedRoom"
	LeftRoom         = "leftRoom"
	UserJoinedRoom   = "userJoinedRoom"
	UserLeftRoom     = "userLeftRoom"
	Connected        = "connected"
)

// Metadata keys understood by the gateway.
const (
	MetaSenderID = "senderId"
	MetaOrigin   = "origin"

	// MetaExcludeConn names a connection that fan-out skips, so an actor
	// does not receive its own typing or join notice.
	MetaExcludeConn = "excludeConn"
)

var ErrInvalidEnvelope = errors.New("event: invalid envelope")

// Envelope is immutable once published: Data is kept as raw JSON and passed
// to clients verbatim.
type Envelope struct {
	Event     string            `json:"event"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Room      string            `json:"room,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Target int

const (
	TargetAll Target = iota
	TargetRoom
	TargetUser
)

func (t Target) String() string {
	switch t {
	case TargetRoom:
		return "room"
	case TargetUser:
		return "user"
	default:
		return "all"
	}
}

func (e Envelope) Target() Target {
	switch {
	case e.Room != "":
		return TargetRoom
	case e.UserID != "":
		return TargetUser
	default:
		return TargetAll
	}
}

func (e Envelope) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidEnvelope)
	}
	if e.Room != "" && e.UserID != "" {
		return fmt.Errorf("%w: room and userId are mutually exclusive", ErrInvalidEnvelope)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidEnvelope)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with e.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return c
}

// Meta returns a metadata value, or "" when unset.
func (e Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// New builds an envelope whose data is the JSON encoding of v.
func New(name string, v any) (Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: name, Data: b}, nil
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
