// Package broadcast carries the cross-tab logout signal between tabs of one
// profile.
package broadcast

import (
	"context"
	"time"
)

const TypeForceLogout = "FORCE_LOGOUT"

// Message is the only shape sent on the channel. Source identifies the
// sending tab so that a tab can ignore its own messages; it is optional on
// the wire.
type Message struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

func NewLogoutMessage(source string, now time.Time) Message {
	return Message{
		Type:      TypeForceLogout,
		Timestamp: now.UnixMilli(),
		Source:    source,
	}
}

// Channel is a best-effort, at-most-once publish/subscribe channel.
type Channel interface {
	BroadcastLogout(ctx context.Context) error
	Subscribe(ctx context.Context, onLogout func()) (unsubscribe func(), err error)
}

// NopChannel is used when no pub/sub primitive is available. Cross-tab logout
// does not happen; single-tab logout is unaffected.
type NopChannel struct{}

func (NopChannel) BroadcastLogout(context.Context) error { return nil }

func (NopChannel) Subscribe(context.Context, func()) (func(), error) {
	return func() {}, nil
}
