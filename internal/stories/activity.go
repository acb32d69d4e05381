package stories

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// View records that the current user opened a status. It emits
// mark_status_viewed at most once per status per session and never when
// the user is already among its viewers. It reports whether an event was
// sent.
func (f *Feed) View(ctx context.Context, id string) bool {
	me := f.selfID()
	s, ok := f.Story(id)
	if !ok {
		return false
	}
	f.mu.Lock()
	seen := f.viewed[id]
	if !seen && me != "" && slices.Contains(s.Views, me) {
		f.viewed[id] = true
		seen = true
	}
	f.mu.Unlock()
	if seen {
		return false
	}

	if !f.router.Send(ctx, protocol.MarkStatusViewed{StatusID: id}) {
		f.logger.Debug("mark status viewed not delivered", zap.String("status_id", id))
		return false
	}
	f.mu.Lock()
	f.viewed[id] = true
	f.mu.Unlock()
	if me != "" {
		f.addViewer(id, me)
	}
	return true
}

// update applies fn to the status in whichever list holds it.
func (f *Feed) update(id string, fn func(*protocol.Story)) {
	for _, list := range f.lists {
		var updated protocol.Story
		if list.Update(id, func(s *protocol.Story) {
			fn(s)
			updated = *s
		}) {
			f.bus.Emit(bus.StoryUpserted, updated)
		}
	}
}

func (f *Feed) addViewer(id, userID string) {
	f.update(id, func(s *protocol.Story) {
		if !slices.Contains(s.Views, userID) {
			s.Views = append(s.Views, userID)
		}
	})
}

func (f *Feed) onNewStatus(ev protocol.NewStatus) {
	s := ev.Story
	if s.ID == "" {
		f.logger.Warn("dropping status without id")
		return
	}
	if _, ok := f.lists[ScopeMine].Get(s.ID); ok {
		return
	}
	if _, ok := f.lists[ScopeFeed].Get(s.ID); ok {
		return
	}
	if !f.normalize(&s) {
		return
	}
	scope := ScopeFeed
	if s.Author.ID != "" && s.Author.ID == f.selfID() {
		scope = ScopeMine
	}
	f.lists[scope].Upsert(s)
	f.bus.Emit(bus.StoryUpserted, s)
}

func (f *Feed) onStatusViewed(ev protocol.StatusViewed) {
	if ev.StatusID == "" || ev.UserID == "" {
		return
	}
	f.addViewer(ev.StatusID, ev.UserID)
}

// onStatusReaction keeps one reaction per user; an empty type removes it.
func (f *Feed) onStatusReaction(ev protocol.StatusReaction) {
	if ev.StatusID == "" || ev.UserID == "" {
		return
	}
	f.update(ev.StatusID, func(s *protocol.Story) {
		s.Reactions = slices.DeleteFunc(slices.Clone(s.Reactions), func(r protocol.Reaction) bool {
			return r.User == ev.UserID
		})
		if ev.Type != "" {
			s.Reactions = append(s.Reactions, protocol.Reaction{Type: ev.Type, User: ev.UserID})
		}
	})
}

// Reactions aggregates the reactions of a status by type.
func (f *Feed) Reactions(id string) map[string]int {
	s, ok := f.Story(id)
	if !ok {
		return nil
	}
	out := make(map[string]int)
	for _, r := range s.Reactions {
		out[r.Type]++
	}
	return out
}
