package messaging

import (
	"context"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// Presence is the last known availability of a user.
type Presence struct {
	UserID   string
	Status   protocol.PresenceStatus
	LastSeen protocol.Time
}

func (s *State) onUserStatusUpdated(ev protocol.UserStatusUpdated) {
	if ev.UserID == "" {
		return
	}
	p := Presence{UserID: ev.UserID, Status: ev.Status, LastSeen: ev.LastSeen}
	if p.LastSeen.IsZero() && p.Status != protocol.PresenceOnline {
		p.LastSeen = protocol.At(s.clock.Now())
	}
	s.mu.Lock()
	s.presence[ev.UserID] = p
	s.mu.Unlock()
	s.bus.Emit(bus.PresenceChanged, p)
}

// Presence returns the last known presence of userID.
func (s *State) Presence(userID string) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// SetMyStatus announces the local user's availability.
func (s *State) SetMyStatus(ctx context.Context, status protocol.PresenceStatus) bool {
	return s.router.Send(ctx, protocol.UpdateUserStatus{Status: status})
}
