package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

// SendRequest is a message to send.
type SendRequest struct {
	ConversationID string
	Content        string
	Type           protocol.MessageType
}

// SendMessage stops the local typing indicator and sends the message over
// REST. On success the server's message is merged; on failure nothing is
// added and the uniform error is returned.
func (s *State) SendMessage(ctx context.Context, req SendRequest) (protocol.Message, error) {
	s.stopLocalTyping(ctx, req.ConversationID)

	msg, err := s.api.SendMessage(ctx, rest.SendMessageRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Type:           req.Type,
	})
	if err != nil {
		s.logger.Warn("send message failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return protocol.Message{}, fmt.Errorf("send message: %w", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	if msg.Status == "" || msg.Status == protocol.StatusSending {
		msg.Status = protocol.StatusSent
	}
	if msg.ID != "" {
		s.mergeMessage(msg)
	}
	return msg, nil
}

// mergeStatus keeps the status monotonic.
func mergeStatus(current, next protocol.MessageStatus) protocol.MessageStatus {
	if next == "" || !current.CanAdvance(next) {
		return current
	}
	return next
}

// mergeMessage upserts m into its thread and conversation. It reports
// whether the message was new.
func (s *State) mergeMessage(m protocol.Message) bool {
	t := s.thread(m.ConversationID)
	isNew := true
	if existing, ok := t.Get(m.ID); ok {
		isNew = false
		m.Status = mergeStatus(existing.Status, m.Status)
		if len(m.Reactions) == 0 {
			m.Reactions = existing.Reactions
		}
	}
	t.Upsert(m)
	s.bus.Emit(bus.MessageUpserted, m)
	s.touchConversation(m.ConversationID, m)
	return isNew
}

func (s *State) onNewMessage(ev protocol.NewMessage) {
	m := ev.Message
	if m.ID == "" || m.ConversationID == "" {
		s.logger.Warn("dropping message without id", zap.String("conversation_id", m.ConversationID))
		return
	}
	if m.Status == "" {
		m.Status = protocol.StatusSent
	}
	s.clearUserTyping(m.ConversationID, m.Sender.ID)
	if !s.mergeMessage(m) {
		return
	}
	if m.Sender.ID != "" && m.Sender.ID == s.selfID() {
		return
	}

	if s.ActiveConversation() == m.ConversationID {
		if err := s.MarkRead(s.scopeFor(m.ConversationID), m.ConversationID); err != nil {
			s.logger.Warn("auto mark read failed", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		}
		return
	}
	s.conversations.Update(m.ConversationID, func(c *protocol.Conversation) { c.UnreadCount++ })
	if c, ok := s.conversations.Get(m.ConversationID); ok {
		s.bus.Emit(bus.ConversationUpserted, c)
	}
}

func (s *State) onMessageRead(ev protocol.MessageRead) {
	t := s.thread(ev.ConversationID)
	for _, id := range ev.MessageIDs {
		var updated protocol.Message
		ok := t.Update(id, func(m *protocol.Message) {
			m.Status = mergeStatus(m.Status, protocol.StatusRead)
			updated = *m
		})
		if ok {
			s.bus.Emit(bus.MessageUpserted, updated)
		}
	}
	if ev.Reader != "" && ev.Reader == s.selfID() {
		s.conversations.Update(ev.ConversationID, func(c *protocol.Conversation) { c.UnreadCount = 0 })
	}
}

func (s *State) onMessageReaction(ev protocol.MessageReaction) {
	t := s.thread(ev.ConversationID)
	var updated protocol.Message
	ok := t.Update(ev.MessageID, func(m *protocol.Message) {
		reactions := make([]protocol.Reaction, 0, len(m.Reactions)+1)
		for _, r := range m.Reactions {
			if r.User != ev.UserID {
				reactions = append(reactions, r)
			}
		}
		if !ev.Removed && ev.Type != "" {
			reactions = append(reactions, protocol.Reaction{Type: ev.Type, User: ev.UserID})
		}
		m.Reactions = reactions
		updated = *m
	})
	if ok {
		s.bus.Emit(bus.MessageUpserted, updated)
	}
}
