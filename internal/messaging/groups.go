package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// LoadGroups reloads the group list from page 1.
func (s *State) LoadGroups(ctx context.Context) error {
	s.groups.Reset()
	return s.LoadMoreGroups(ctx)
}

// LoadMoreGroups fetches the next group page.
func (s *State) LoadMoreGroups(ctx context.Context) error {
	page, ok := s.groups.Next()
	if !ok {
		return nil
	}
	ctx, cancel := scoped(ctx, s.ctx)
	defer cancel()

	groups, err := s.api.ListGroups(ctx, page)
	if s.ctx.Err() != nil {
		s.groups.Cancel()
		return context.Canceled
	}
	if err != nil {
		s.groups.Fail(err)
		s.logger.Warn("load groups failed", zap.Int("page", page), zap.Error(err))
		return fmt.Errorf("load groups page %d: %w", page, err)
	}
	s.groups.Complete(page, groups)
	return nil
}

// Groups returns the cached groups.
func (s *State) Groups() []protocol.Group { return s.groups.Items() }

// Group returns a single cached group.
func (s *State) Group(id string) (protocol.Group, bool) { return s.groups.Get(id) }

// HasMoreGroups reports whether another group page exists.
func (s *State) HasMoreGroups() bool { return s.groups.HasMore() }

// GroupsErr returns the retryable error of the group list.
func (s *State) GroupsErr() error { return s.groups.Err() }

// JoinGroup joins a group. The list changes only once the server agrees.
func (s *State) JoinGroup(ctx context.Context, groupID string) (protocol.Group, error) {
	g, err := s.api.JoinGroup(ctx, groupID)
	if err != nil {
		return protocol.Group{}, fmt.Errorf("join group %s: %w", groupID, err)
	}
	if g.ID == "" {
		g.ID = groupID
	}
	s.groups.Upsert(g)
	return g, nil
}

// LeaveGroup leaves a group and drops it, along with its conversation,
// from the cache.
func (s *State) LeaveGroup(ctx context.Context, groupID string) error {
	if err := s.api.LeaveGroup(ctx, groupID); err != nil {
		return fmt.Errorf("leave group %s: %w", groupID, err)
	}
	s.groups.Remove(groupID)
	if s.ActiveConversation() == groupID {
		s.CloseConversation(ctx)
	}
	if s.conversations.Remove(groupID) {
		s.mu.Lock()
		delete(s.threads, groupID)
		s.mu.Unlock()
		s.bus.Emit(bus.ConversationRemoved, groupID)
	}
	return nil
}

// PromoteMember makes userID an admin of groupID.
func (s *State) PromoteMember(ctx context.Context, groupID, userID string) (protocol.Group, error) {
	g, err := s.api.PromoteMember(ctx, groupID, userID)
	if err != nil {
		return protocol.Group{}, fmt.Errorf("promote %s in %s: %w", userID, groupID, err)
	}
	if g.ID == "" {
		g.ID = groupID
	}
	s.groups.Upsert(g)
	return g, nil
}
