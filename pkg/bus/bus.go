// Package bus is the cross-process channel every gateway instance
// publishes to and subscribes on. Delivery is fire-and-forget: envelopes
// from one publisher reach each subscriber in publish order, with no
// ordering across publishers and no retry on failure.
package bus

import (
	"context"
	"errors"

	"github.com/lzyats/yuim-realtime/pkg/event"
)

const DefaultChannel = "yuim.realtime.bus"

var (
	ErrClosed            = errors.New("bus: closed")
	ErrAlreadySubscribed = errors.New("bus: already subscribed")
)

// Handler is called sequentially, in receive order, from the subscriber's
// read loop. It must not block.
type Handler func(env event.Envelope)

type Bus interface {
	Publish(ctx context.Context, env event.Envelope) error
	// Subscribe registers the single handler for this instance and returns
	// once the subscription is live.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
