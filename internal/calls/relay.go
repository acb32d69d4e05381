// Package calls is the call signaling relay. It tracks the lifecycle of
// calls from server events and forwards WebRTC offers, answers and ICE
// candidates between peers without interpreting them.
package calls

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/events"
	"github.com/cydjerr/speakjerr/internal/paging"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

// API is the REST surface of calls.
type API interface {
	InitiateCall(ctx context.Context, req rest.InitiateCallRequest) (protocol.Call, error)
	CallAction(ctx context.Context, callID string, action rest.CallAction) (protocol.Call, error)
	ListCalls(ctx context.Context, page int) ([]protocol.Call, error)
}

// Rooms joins and leaves call rooms.
type Rooms interface {
	JoinCall(ctx context.Context, id string) bool
	LeaveCall(ctx context.Context, id string) bool
}

// Identity resolves the authenticated user.
type Identity interface {
	UserID() string
}

// Media is a participant's published tracks.
type Media struct {
	Audio bool
	Video bool
}

// Session is a live call as seen by this client.
type Session struct {
	Call       protocol.Call
	Outgoing   bool
	Media      map[string]Media
	// AnsweredAt is the local time call_answered arrived. Durations are
	// measured from it; Call.StartedAt keeps the server's value.
	AnsweredAt time.Time
}

func (s *Session) clone() Session {
	out := *s
	out.Call.Participants = slices.Clone(s.Call.Participants)
	out.Media = make(map[string]Media, len(s.Media))
	for k, v := range s.Media {
		out.Media[k] = v
	}
	return out
}

// StateChange is the payload of bus.CallStateChanged.
type StateChange struct {
	CallID string
	From   protocol.CallStatus
	To     protocol.CallStatus
	Call   protocol.Call
}

// Relay is the Call Signaling Relay.
type Relay struct {
	api    API
	router *events.Router
	rooms  Rooms
	self   Identity
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	history *paging.Pager[protocol.Call]

	mu       sync.Mutex
	sessions map[string]*Session
	ringing  string
	subs     []*events.Subscription
}

// New creates a relay. Call Start to subscribe to events.
func New(api API, router *events.Router, rooms Rooms, self Identity, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		api:      api,
		router:   router,
		rooms:    rooms,
		self:     self,
		bus:      b,
		clock:    clock.OrReal(clk),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		history:  paging.New(func(c protocol.Call) string { return c.ID }),
		sessions: make(map[string]*Session),
	}
}

// Start registers the realtime handlers.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	r.subs = []*events.Subscription{
		events.On(r.router, r.onIncomingCall),
		events.On(r.router, r.onCallAnswered),
		events.On(r.router, r.onCallDeclined),
		events.On(r.router, r.onCallEnded),
		events.On(r.router, r.onCallFailed),
		events.On(r.router, r.onParticipantJoined),
		events.On(r.router, r.onParticipantLeft),
		events.On(r.router, r.onMediaUpdated),
		events.On(r.router, r.onAuthenticated),
	}
}

// Stop deregisters the handlers and discards in-flight history loads.
func (r *Relay) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Off()
	}
	r.cancel()
}

func (r *Relay) selfID() string {
	if r.self == nil {
		return ""
	}
	return r.self.UserID()
}

// Ringing returns the incoming call waiting for an answer, if any.
func (r *Relay) Ringing() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.ringing]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Session returns a live call.
func (r *Relay) Session(callID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Sessions returns every call that has not reached a terminal status.
func (r *Relay) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	slices.SortFunc(out, func(a, b Session) int {
		return a.Call.StartedAt.Compare(b.Call.StartedAt.Time)
	})
	return out
}
