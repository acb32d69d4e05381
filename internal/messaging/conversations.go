package messaging

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// LoadConversations reloads the conversation list from page 1.
func (s *State) LoadConversations(ctx context.Context) error {
	s.conversations.Reset()
	return s.LoadMoreConversations(ctx)
}

// LoadMoreConversations fetches the next conversation page. It is a no-op
// once a page came back empty or while another page is loading.
func (s *State) LoadMoreConversations(ctx context.Context) error {
	page, ok := s.conversations.Next()
	if !ok {
		return nil
	}
	ctx, cancel := scoped(ctx, s.ctx)
	defer cancel()

	convs, err := s.api.ListConversations(ctx, page)
	if s.ctx.Err() != nil {
		s.conversations.Cancel()
		return context.Canceled
	}
	if err != nil {
		s.conversations.Fail(err)
		s.logger.Warn("load conversations failed", zap.Int("page", page), zap.Error(err))
		return fmt.Errorf("load conversations page %d: %w", page, err)
	}
	s.conversations.Complete(page, convs)
	for _, c := range convs {
		if c.ID != "" {
			s.bus.Emit(bus.ConversationUpserted, c)
		}
	}
	return nil
}

// LoadMessages refreshes a conversation's messages from page 1. Cached
// messages are kept and merged with the fresh pages.
func (s *State) LoadMessages(ctx context.Context, conversationID string) error {
	s.thread(conversationID).Rewind()
	return s.LoadMoreMessages(ctx, conversationID)
}

// LoadMoreMessages fetches the next message page of a conversation.
// Hydration of the open conversation is bound to its scope: a response
// arriving after the conversation was closed is discarded.
func (s *State) LoadMoreMessages(ctx context.Context, conversationID string) error {
	t := s.thread(conversationID)
	page, ok := t.Next()
	if !ok {
		return nil
	}
	scope := s.scopeFor(conversationID)
	ctx, cancel := scoped(ctx, scope)
	defer cancel()

	msgs, err := s.api.ListMessages(ctx, conversationID, page)
	if scope.Err() != nil {
		t.Cancel()
		s.logger.Debug("discarding stale messages page", zap.String("conversation_id", conversationID), zap.Int("page", page))
		return context.Canceled
	}
	if err != nil {
		t.Fail(err)
		s.logger.Warn("load messages failed", zap.String("conversation_id", conversationID), zap.Int("page", page), zap.Error(err))
		return fmt.Errorf("load messages of %s page %d: %w", conversationID, page, err)
	}

	kept := msgs[:0]
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if existing, ok := t.Get(m.ID); ok {
			m.Status = mergeStatus(existing.Status, m.Status)
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 && len(msgs) > 0 {
		s.logger.Warn("messages page had no usable entries", zap.String("conversation_id", conversationID), zap.Int("page", page))
		t.Skip(page)
		return nil
	}
	t.Complete(page, kept)
	if len(kept) > 0 {
		s.bus.Emit(bus.MessagesLoaded, kept)
		s.touchConversation(conversationID, latest(kept))
	}
	return nil
}

// OpenConversation makes id the active conversation: it joins the room,
// marks the conversation read and loads the first message page. Any
// previously open conversation is closed first.
func (s *State) OpenConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	prev := s.active
	s.mu.Unlock()
	if prev != "" && prev != id {
		s.CloseConversation(ctx)
	}

	s.mu.Lock()
	if s.active != id {
		s.active = id
		s.activeCtx, s.activeCancel = context.WithCancel(s.ctx)
	}
	s.mu.Unlock()

	if !s.rooms.JoinConversation(ctx, id) {
		s.logger.Debug("join conversation not delivered", zap.String("conversation_id", id))
	}
	loadErr := s.LoadMessages(ctx, id)
	return multierr.Append(loadErr, s.MarkRead(ctx, id))
}

// CloseConversation leaves the open conversation. Its hydration scope
// ends, its typing indicators clear and a pending local typing indicator
// is stopped.
func (s *State) CloseConversation(ctx context.Context) {
	s.mu.Lock()
	id := s.active
	cancel := s.activeCancel
	s.active = ""
	s.activeCtx = nil
	s.activeCancel = nil
	s.mu.Unlock()
	if id == "" {
		return
	}
	if cancel != nil {
		cancel()
	}
	s.stopLocalTyping(ctx, id)
	s.clearTyping(id)
	s.rooms.LeaveConversation(ctx, id)
}

// MarkRead zeroes the unread count and emits mark_messages_read. When the
// emit cannot be delivered it falls back to acknowledging the latest
// message over REST.
func (s *State) MarkRead(ctx context.Context, id string) error {
	if s.conversations.Update(id, func(c *protocol.Conversation) { c.UnreadCount = 0 }) {
		if c, ok := s.conversations.Get(id); ok {
			s.bus.Emit(bus.ConversationUpserted, c)
		}
	}

	var ids []string
	for _, m := range s.Messages(id) {
		if m.Sender.ID != s.selfID() && m.Status != protocol.StatusRead {
			ids = append(ids, m.ID)
		}
	}
	if s.router.Send(ctx, protocol.MarkMessagesRead{ConversationID: id, MessageIDs: ids}) {
		return nil
	}

	msgs := s.Messages(id)
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	if err := s.api.MarkMessageRead(ctx, last.ID); err != nil {
		s.logger.Warn("mark read fallback failed", zap.String("conversation_id", id), zap.String("message_id", last.ID), zap.Error(err))
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

// touchConversation records m as the last message of its conversation,
// creating the conversation when unknown.
func (s *State) touchConversation(id string, m protocol.Message) protocol.Conversation {
	updated := s.conversations.Update(id, func(c *protocol.Conversation) {
		if c.LastMessage == nil || !m.Before(*c.LastMessage) {
			last := m
			c.LastMessage = &last
		}
	})
	if !updated {
		last := m
		c := protocol.Conversation{ID: id, LastMessage: &last}
		if m.Sender.ID != "" {
			c.Participants = []protocol.User{m.Sender}
		}
		s.conversations.Upsert(c)
	}
	c, _ := s.conversations.Get(id)
	s.bus.Emit(bus.ConversationUpserted, c)
	return c
}

func latest(msgs []protocol.Message) protocol.Message {
	out := msgs[0]
	for _, m := range msgs[1:] {
		if out.Before(m) {
			out = m
		}
	}
	return out
}

// onAuthenticated re-joins the open conversation after a reconnect.
func (s *State) onAuthenticated(protocol.Authenticated) {
	id := s.ActiveConversation()
	if id == "" {
		return
	}
	if !s.rooms.JoinConversation(s.ctx, id) {
		s.logger.Debug("rejoin conversation not delivered", zap.String("conversation_id", id))
	}
}
