// Package rooms joins and leaves the server-side broadcast groups the
// client needs targeted events from. Membership is server-authoritative;
// joining twice is harmless.
package rooms

import (
	"context"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

// Sender delivers an event while authenticated and reports whether it did.
type Sender interface {
	Send(ctx context.Context, ev protocol.Event) bool
}

// Coordinator is the Room Coordinator. Every method returns the send
// result; false means not connected, and nothing is queued.
type Coordinator struct {
	sender Sender
}

// New creates a coordinator sending through s.
func New(s Sender) *Coordinator {
	return &Coordinator{sender: s}
}

func (c *Coordinator) JoinConversation(ctx context.Context, id string) bool {
	return c.sender.Send(ctx, protocol.JoinConversation{ConversationID: id})
}

func (c *Coordinator) LeaveConversation(ctx context.Context, id string) bool {
	return c.sender.Send(ctx, protocol.LeaveConversation{ConversationID: id})
}

func (c *Coordinator) JoinStatusFeed(ctx context.Context) bool {
	return c.sender.Send(ctx, protocol.JoinStatusFeed{})
}

func (c *Coordinator) LeaveStatusFeed(ctx context.Context) bool {
	return c.sender.Send(ctx, protocol.LeaveStatusFeed{})
}

func (c *Coordinator) JoinCall(ctx context.Context, id string) bool {
	return c.sender.Send(ctx, protocol.JoinCall{CallID: id})
}

func (c *Coordinator) LeaveCall(ctx context.Context, id string) bool {
	return c.sender.Send(ctx, protocol.LeaveCall{CallID: id})
}
