// Package transport defines the live-connection protocol between screens
// and the broadcast hub.
package transport

import (
	"context"

	"dashwall/internal/hub"
	"dashwall/internal/rotation"
)

// Event names on the wire.
const (
	// EventSubscribe is sent by a screen; the ack carries a SubscribeReply.
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	// EventPush carries one hub payload to the screen.
	EventPush = "event"
	// EventDropped tells a screen it fell behind and must reconnect.
	EventDropped = "dropped"
)

type SubscribeRequest struct {
	SessionID    string `json:"sessionId"`
	ScreenCode   string `json:"screenCode"`
	ProjectToken string `json:"projectToken,omitempty"`
	// RotationID starts (or keeps) a rotation on the screen before the
	// subscription is registered.
	RotationID string `json:"rotationId,omitempty"`
}

type SubscribeReply struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Error          string `json:"error,omitempty"`
}

type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type DroppedNotice struct {
	SubscriptionID string `json:"subscriptionId"`
	Reason         string `json:"reason"`
}

// Controller registers subscriptions. *hub.Hub implements it.
type Controller interface {
	Subscribe(ctx context.Context, sub hub.Subscription) (string, error)
	Unsubscribe(id string) error
	Lookup(id string) (hub.Subscription, bool)
}

// Rotations starts rotations requested by screens. *rotation.Manager
// implements it.
type Rotations interface {
	Start(ctx context.Context, screen, rotationID string) (rotation.Cursor, error)
	Current(screen string) (rotation.Cursor, bool)
}
