// Package bus provides the pub/sub transport that carries standup updates
// from webhook handlers to live socket registries, across one process or
// across a fleet.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one standup update notification. Data carries the rendered
// payload pushed verbatim to live sockets.
type Message struct {
	ClientID string          `json:"client_id"`
	RoomID   string          `json:"room_id"`
	Data     json.RawMessage `json:"data"`
}

// Envelope pairs a received message with the logical channel it arrived on.
type Envelope struct {
	Channel string
	Message Message
}

// Channel names the logical update stream for one tenant room.
func Channel(tenantID, roomID string) string {
	return fmt.Sprintf("updates:%s:%s", tenantID, roomID)
}

// Bus is a fan-out message transport. Subscribe and Unsubscribe manage the
// set of channels delivered on Messages; Publish sends to all subscribers of
// a channel process-wide or fleet-wide depending on the backend.
type Bus interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, msg Message) error
	Messages() <-chan Envelope
	Close() error
}
