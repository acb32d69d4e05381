package messaging

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// TypingChange is the payload of bus.TypingChanged.
type TypingChange struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// localTyping is the outgoing indicator of one conversation. gen counts
// input events; an idle timer only acts on the generation it was armed for.
type localTyping struct {
	active bool
	gen    uint64
	idle   *clock.Timer
}

// typingEntry is a remote user's indicator; its timer clears it when it is
// not refreshed within the expiry window.
type typingEntry struct {
	timer *clock.Timer
}

// StartTyping emits typing_start for a conversation. It reports whether
// the event was delivered.
func (s *State) StartTyping(ctx context.Context, conversationID string) bool {
	return s.router.Send(ctx, protocol.TypingStart{ConversationID: conversationID})
}

// StopTyping emits typing_stop for a conversation.
func (s *State) StopTyping(ctx context.Context, conversationID string) bool {
	return s.router.Send(ctx, protocol.TypingStop{ConversationID: conversationID})
}

// InputChanged feeds composer activity. The first non-empty input emits
// typing_start; typing_stop follows when the input is cleared or after the
// idle window passes without further input.
func (s *State) InputChanged(ctx context.Context, conversationID, text string) {
	if text == "" {
		s.stopLocalTyping(ctx, conversationID)
		return
	}

	s.mu.Lock()
	lt, ok := s.localTyping[conversationID]
	if !ok {
		lt = &localTyping{}
		s.localTyping[conversationID] = lt
	}
	starting := !lt.active
	lt.active = true
	lt.gen++
	gen := lt.gen
	if lt.idle != nil {
		lt.idle.Stop()
	}
	lt.idle = s.clock.AfterFunc(s.opts.TypingIdle, func() {
		s.idleLocalTyping(conversationID, gen)
	})
	s.mu.Unlock()

	if starting && !s.StartTyping(ctx, conversationID) {
		s.logger.Debug("typing_start not delivered", zap.String("conversation_id", conversationID))
	}
}

// stopLocalTyping emits typing_stop once if the local indicator is on.
func (s *State) stopLocalTyping(ctx context.Context, conversationID string) {
	s.mu.Lock()
	lt, ok := s.localTyping[conversationID]
	if ok {
		delete(s.localTyping, conversationID)
		lt.idle.Stop()
	}
	s.mu.Unlock()
	if !ok || !lt.active {
		return
	}
	if !s.StopTyping(ctx, conversationID) {
		s.logger.Debug("typing_stop not delivered", zap.String("conversation_id", conversationID))
	}
}

// idleLocalTyping stops the local indicator unless input arrived after the
// timer for gen was armed.
func (s *State) idleLocalTyping(conversationID string, gen uint64) {
	s.mu.Lock()
	lt, ok := s.localTyping[conversationID]
	if !ok || lt.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.localTyping, conversationID)
	s.mu.Unlock()
	if lt.active && !s.StopTyping(s.ctx, conversationID) {
		s.logger.Debug("typing_stop not delivered", zap.String("conversation_id", conversationID))
	}
}

// stopAllLocalTyping drops every local indicator without emitting.
func (s *State) stopAllLocalTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, lt := range s.localTyping {
		lt.idle.Stop()
		delete(s.localTyping, id)
	}
}

func (s *State) onTypingStart(ev protocol.TypingStart) {
	if ev.ConversationID == "" || ev.UserID == "" || ev.UserID == s.selfID() {
		return
	}
	s.mu.Lock()
	users, ok := s.remoteTyping[ev.ConversationID]
	if !ok {
		users = make(map[string]*typingEntry)
		s.remoteTyping[ev.ConversationID] = users
	}
	if e, ok := users[ev.UserID]; ok {
		e.timer.Reset(s.opts.TypingExpiry)
		s.mu.Unlock()
		return
	}
	e := &typingEntry{}
	e.timer = s.clock.AfterFunc(s.opts.TypingExpiry, func() {
		s.expireTyping(ev.ConversationID, ev.UserID, e)
	})
	users[ev.UserID] = e
	s.mu.Unlock()

	s.bus.Emit(bus.TypingChanged, TypingChange{ConversationID: ev.ConversationID, UserID: ev.UserID, Typing: true})
}

func (s *State) onTypingStop(ev protocol.TypingStop) {
	s.clearUserTyping(ev.ConversationID, ev.UserID)
}

func (s *State) expireTyping(conversationID, userID string, e *typingEntry) {
	s.mu.Lock()
	users := s.remoteTyping[conversationID]
	if users[userID] != e {
		s.mu.Unlock()
		return
	}
	s.removeTypingLocked(conversationID, userID)
	s.mu.Unlock()
	s.bus.Emit(bus.TypingChanged, TypingChange{ConversationID: conversationID, UserID: userID})
}

func (s *State) clearUserTyping(conversationID, userID string) {
	s.mu.Lock()
	_, ok := s.remoteTyping[conversationID][userID]
	if ok {
		s.removeTypingLocked(conversationID, userID)
	}
	s.mu.Unlock()
	if ok {
		s.bus.Emit(bus.TypingChanged, TypingChange{ConversationID: conversationID, UserID: userID})
	}
}

func (s *State) removeTypingLocked(conversationID, userID string) {
	users := s.remoteTyping[conversationID]
	if e, ok := users[userID]; ok {
		e.timer.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(s.remoteTyping, conversationID)
	}
}

// clearTyping drops every remote indicator of a conversation.
func (s *State) clearTyping(conversationID string) {
	s.mu.Lock()
	var cleared []string
	for userID := range s.remoteTyping[conversationID] {
		cleared = append(cleared, userID)
		s.removeTypingLocked(conversationID, userID)
	}
	s.mu.Unlock()
	for _, userID := range cleared {
		s.bus.Emit(bus.TypingChanged, TypingChange{ConversationID: conversationID, UserID: userID})
	}
}

func (s *State) clearAllTyping() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.remoteTyping))
	for id := range s.remoteTyping {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.clearTyping(id)
	}
}

// TypingUsers returns who is typing in a conversation, sorted.
func (s *State) TypingUsers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.remoteTyping[conversationID]))
	for userID := range s.remoteTyping[conversationID] {
		out = append(out, userID)
	}
	slices.Sort(out)
	return out
}

// onDisconnect clears indicators that can no longer be refreshed or
// stopped over the wire.
func (s *State) onDisconnect(protocol.Disconnect) {
	s.clearAllTyping()
	s.stopAllLocalTyping()
}
