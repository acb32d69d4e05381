package calls

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

// validTransitions defines the call lifecycle. Every transition is caused
// by a server event.
var validTransitions = map[protocol.CallStatus][]protocol.CallStatus{
	protocol.CallRinging: {protocol.CallActive, protocol.CallDeclined, protocol.CallMissed, protocol.CallFailed},
	protocol.CallActive:  {protocol.CallCompleted, protocol.CallFailed},
}

// InitiateRequest starts an outgoing call.
type InitiateRequest struct {
	Recipient   string
	CallType    protocol.CallType
	IsGroupCall bool
}

// Initiate creates the call over REST, records it as ringing and joins
// the call room to await the answer.
func (r *Relay) Initiate(ctx context.Context, req InitiateRequest) (protocol.Call, error) {
	call, err := r.api.InitiateCall(ctx, rest.InitiateCallRequest{
		Recipient:   req.Recipient,
		CallType:    req.CallType,
		IsGroupCall: req.IsGroupCall,
	})
	if err != nil {
		r.logger.Warn("initiate call failed", zap.String("recipient", req.Recipient), zap.Error(err))
		return protocol.Call{}, fmt.Errorf("initiate call: %w", err)
	}
	if call.ID == "" {
		return protocol.Call{}, fmt.Errorf("initiate call: server returned no call id")
	}
	call.Status = protocol.CallRinging
	if call.StartedAt.IsZero() {
		call.StartedAt = protocol.At(r.clock.Now())
	}

	r.mu.Lock()
	r.sessions[call.ID] = &Session{Call: call, Outgoing: true, Media: make(map[string]Media)}
	r.mu.Unlock()
	r.bus.Emit(bus.CallStateChanged, StateChange{CallID: call.ID, To: protocol.CallRinging, Call: call})

	if !r.rooms.JoinCall(ctx, call.ID) {
		r.logger.Debug("join call not delivered", zap.String("call_id", call.ID))
	}
	return call, nil
}

// Answer accepts a ringing call. The call becomes active when the server
// confirms with call_answered.
func (r *Relay) Answer(ctx context.Context, callID string) error {
	if err := r.action(ctx, callID, rest.ActionAnswer); err != nil {
		return err
	}
	if !r.rooms.JoinCall(ctx, callID) {
		r.logger.Debug("join call not delivered", zap.String("call_id", callID))
	}
	return nil
}

// Decline rejects a ringing call.
func (r *Relay) Decline(ctx context.Context, callID string) error {
	return r.action(ctx, callID, rest.ActionDecline)
}

// End hangs up a call.
func (r *Relay) End(ctx context.Context, callID string) error {
	return r.action(ctx, callID, rest.ActionEnd)
}

func (r *Relay) action(ctx context.Context, callID string, action rest.CallAction) error {
	if _, err := r.api.CallAction(ctx, callID, action); err != nil {
		r.logger.Warn("call action failed", zap.String("call_id", callID), zap.String("action", string(action)), zap.Error(err))
		return fmt.Errorf("%s call %s: %w", action, callID, err)
	}
	return nil
}

// transition applies to and mutate to a live call. Invalid transitions
// and unknown calls are ignored.
func (r *Relay) transition(callID string, to protocol.CallStatus, mutate func(*Session)) bool {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("event for unknown call", zap.String("call_id", callID), zap.String("to", string(to)))
		return false
	}
	from := s.Call.Status
	if !slices.Contains(validTransitions[from], to) {
		r.mu.Unlock()
		r.logger.Debug("ignoring call transition", zap.String("call_id", callID), zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	s.Call.Status = to
	if mutate != nil {
		mutate(s)
	}
	if r.ringing == callID && to != protocol.CallRinging {
		r.ringing = ""
	}
	call := s.Call
	if to.Terminal() {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()

	r.logger.Info("call state changed", zap.String("call_id", callID), zap.String("from", string(from)), zap.String("to", string(to)))
	r.bus.Emit(bus.CallStateChanged, StateChange{CallID: callID, From: from, To: to, Call: call})
	if to.Terminal() {
		r.history.Upsert(call)
		r.rooms.LeaveCall(r.ctx, callID)
	}
	return true
}

func (r *Relay) onIncomingCall(ev protocol.IncomingCall) {
	call := ev.Call
	if call.ID == "" {
		r.logger.Warn("dropping incoming call without id")
		return
	}
	call.Status = protocol.CallRinging
	if call.StartedAt.IsZero() {
		call.StartedAt = protocol.At(r.clock.Now())
	}
	r.mu.Lock()
	if _, ok := r.sessions[call.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.sessions[call.ID] = &Session{Call: call, Media: make(map[string]Media)}
	r.ringing = call.ID
	r.mu.Unlock()

	r.logger.Info("incoming call", zap.String("call_id", call.ID), zap.String("caller", call.Caller.ID), zap.String("type", string(call.Type)))
	r.bus.Emit(bus.CallStateChanged, StateChange{CallID: call.ID, To: protocol.CallRinging, Call: call})
}

func (r *Relay) onCallAnswered(ev protocol.CallAnswered) {
	now := r.clock.Now()
	r.transition(ev.CallID, protocol.CallActive, func(s *Session) {
		s.AnsweredAt = now
		s.Call.StartedAt = ev.StartedAt
		if s.Call.StartedAt.IsZero() {
			s.Call.StartedAt = protocol.At(now)
		}
	})
}

func (r *Relay) onCallDeclined(ev protocol.CallDeclinedEvent) {
	r.mu.Lock()
	s, ok := r.sessions[ev.CallID]
	groupDecline := ok && s.Call.IsGroupCall && ev.UserID != "" && ev.UserID != r.selfID()
	if groupDecline {
		s.Call.Participants = slices.DeleteFunc(s.Call.Participants, func(u protocol.User) bool { return u.ID == ev.UserID })
	}
	r.mu.Unlock()
	if groupDecline {
		return
	}
	r.transition(ev.CallID, protocol.CallDeclined, nil)
}

func (r *Relay) onCallEnded(ev protocol.CallEnded) {
	r.mu.Lock()
	s, ok := r.sessions[ev.CallID]
	var from protocol.CallStatus
	if ok {
		from = s.Call.Status
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	to := ev.Status
	switch {
	case to == protocol.CallMissed || to == protocol.CallFailed || to == protocol.CallDeclined:
	case from == protocol.CallRinging:
		to = protocol.CallMissed
	default:
		to = protocol.CallCompleted
	}
	now := r.clock.Now()
	r.transition(ev.CallID, to, func(s *Session) {
		if to == protocol.CallCompleted {
			s.Call.Duration = callDuration(s, now)
		}
	})
}

// callDuration is whole seconds since the local answer, never negative.
// Server timestamps are only a fallback since the clocks can disagree.
func callDuration(s *Session, now time.Time) int64 {
	start := s.AnsweredAt
	if start.IsZero() {
		start = s.Call.StartedAt.Time
	}
	if start.IsZero() {
		return 0
	}
	return max(0, int64(now.Sub(start)/time.Second))
}

func (r *Relay) onCallFailed(ev protocol.CallFailedEvent) {
	r.logger.Warn("call failed", zap.String("call_id", ev.CallID), zap.String("reason", ev.Reason))
	r.transition(ev.CallID, protocol.CallFailed, nil)
}

func (r *Relay) onParticipantJoined(ev protocol.CallParticipantJoined) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ev.CallID]
	if !ok || ev.User.ID == "" {
		return
	}
	if !slices.ContainsFunc(s.Call.Participants, func(u protocol.User) bool { return u.ID == ev.User.ID }) {
		s.Call.Participants = append(s.Call.Participants, ev.User)
	}
}

func (r *Relay) onParticipantLeft(ev protocol.CallParticipantLeft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ev.CallID]
	if !ok {
		return
	}
	s.Call.Participants = slices.DeleteFunc(s.Call.Participants, func(u protocol.User) bool { return u.ID == ev.UserID })
	delete(s.Media, ev.UserID)
}

func (r *Relay) onMediaUpdated(ev protocol.CallMediaUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ev.CallID]
	if !ok || ev.UserID == "" {
		return
	}
	s.Media[ev.UserID] = Media{Audio: ev.Audio, Video: ev.Video}
}

// onAuthenticated re-joins the rooms of live calls after a reconnect.
func (r *Relay) onAuthenticated(protocol.Authenticated) {
	r.mu.Lock()
	var ids []string
	for id, s := range r.sessions {
		if s.Outgoing || s.Call.Status == protocol.CallActive {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.rooms.JoinCall(r.ctx, id)
	}
}
