package event

import (
	"errors"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
)

const messageIDPrefix = "msg_"

// IDGenerator issues "msg_<sonyflake>" ids. Ids from one node are strictly
// increasing; ids from different nodes never collide as long as their
// machine ids differ.
type IDGenerator struct {
	sf *sonyflake.Sonyflake
}

func NewIDGenerator(machineID uint16) (*IDGenerator, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, errors.New("event: sonyflake init failed")
	}
	return &IDGenerator{sf: sf}, nil
}

func (g *IDGenerator) Next() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", err
	}
	return messageIDPrefix + strconv.FormatUint(id, 10), nil
}

// Stamp fills in a missing message id and timestamp.
func (g *IDGenerator) Stamp(e Envelope, now time.Time) (Envelope, error) {
	if e.MessageID == "" {
		id, err := g.Next()
		if err != nil {
			return e, err
		}
		e.MessageID = id
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	return e, nil
}

// MachineID derives a stable sonyflake machine id from a node name.
func MachineID(node string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(node))
	s := h.Sum32()
	return uint16(s ^ (s >> 16))
}
