package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeTarget(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want Target
	}{
		{"room", Envelope{Event: NewMessage, Room: "r1"}, TargetRoom},
		{"user", Envelope{Event: NewMessage, UserID: "u1"}, TargetUser},
		{"broadcast", Envelope{Event: PresenceUpdate}, TargetAll},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Target(); got != tt.want {
				t.Errorf("Target() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"ok room", Envelope{Event: "e", Room: "r"}, false},
		{"missing event", Envelope{Room: "r"}, true},
		{"room and user", Envelope{Event: "e", Room: "r", UserID: "u"}, true},
		{"bad data", Envelope{Event: "e", Data: json.RawMessage(`{`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestEnvelopeCloneIsIndependent(t *testing.T) {
	orig := Envelope{
		Event:    NewMessage,
		Data:     json.RawMessage(`{"content":"hi"}`),
		Metadata: map[string]string{MetaSenderID: "a"},
	}
	c := orig.Clone()
	c.Data[2] = 'X'
	c.Metadata[MetaSenderID] = "b"

	if string(orig.Data) != `{"content":"hi"}` {
		t.Errorf("original data mutated: %s", orig.Data)
	}
	if orig.Meta(MetaSenderID) != "a" {
		t.Errorf("original metadata mutated: %v", orig.Metadata)
	}
}

func TestEncodeDecodeKeepsDataVerbatim(t *testing.T) {
	env, err := New(NewMessage, map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.Room = "r1"
	env.MessageID = "msg_1"
	env.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	b, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Data) != `{"content":"hi"}` {
		t.Errorf("data = %s", got.Data)
	}
	if got.Room != "r1" || got.MessageID != "msg_1" || !got.Timestamp.Equal(env.Timestamp) {
		t.Errorf("decoded envelope mismatch: %+v", got)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"","room":"r"}`)); err == nil {
		t.Fatal("expected error for empty event")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func TestIDGenerator(t *testing.T) {
	g, err := NewIDGenerator(MachineID("node-a"))
	if err != nil {
		t.Fatalf("NewIDGenerator: %v", err)
	}
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !strings.HasPrefix(id, "msg_") {
			t.Fatalf("id %q missing prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if prev != "" && len(id) == len(prev) && id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestStampKeepsCallerValues(t *testing.T) {
	g, err := NewIDGenerator(1)
	if err != nil {
		t.Fatalf("NewIDGenerator: %v", err)
	}
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	e, err := g.Stamp(Envelope{Event: "e", MessageID: "msg_custom", Timestamp: ts}, time.Now())
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if e.MessageID != "msg_custom" || !e.Timestamp.Equal(ts) {
		t.Errorf("caller values overwritten: %+v", e)
	}

	e, err = g.Stamp(Envelope{Event: "e"}, ts)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if e.MessageID == "" || !e.Timestamp.Equal(ts) {
		t.Errorf("missing values not filled: %+v", e)
	}
}

func TestMachineIDStable(t *testing.T) {
	if MachineID("a") != MachineID("a") {
		t.Fatal("machine id not stable")
	}
}
