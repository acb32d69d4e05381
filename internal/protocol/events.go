package protocol

import "encoding/json"

// Event is a typed realtime event. EventName returns the wire name.
type Event interface {
	EventName() string
}

// Authenticated confirms the handshake with the resolved identity.
type Authenticated struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// AuthenticationError rejects the handshake.
type AuthenticationError struct {
	Message string `json:"message"`
}

// Ping and Pong are application-level liveness probes.
type Ping struct{}
type Pong struct{}

// NewMessage carries a message created in a joined conversation.
type NewMessage struct {
	Message
}

// MessageRead reports that Reader has read the listed messages.
type MessageRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Reader         string   `json:"userId"`
}

// MessageReaction sets or removes a user's reaction on a message.
type MessageReaction struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Type           string `json:"type"`
	Removed        bool   `json:"removed,omitempty"`
}

// TypingStart and TypingStop flow in both directions. UserID is filled by
// the server on inbound events.
type TypingStart struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// UserStatusUpdated reports a presence change.
type UserStatusUpdated struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen Time           `json:"lastSeen"`
}

// IncomingCall rings the local user.
type IncomingCall struct {
	Call
}

type CallAnswered struct {
	CallID    string `json:"callId"`
	UserID    string `json:"userId,omitempty"`
	StartedAt Time   `json:"startedAt"`
}

// CallDeclinedEvent reports a decline. In group calls UserID says who
// declined.
type CallDeclinedEvent struct {
	CallID string `json:"callId"`
	UserID string `json:"userId,omitempty"`
}

// CallEnded closes a call. Status optionally distinguishes missed and
// failed endings from a normal hangup.
type CallEnded struct {
	CallID  string     `json:"callId"`
	EndedBy string     `json:"endedBy,omitempty"`
	Status  CallStatus `json:"status,omitempty"`
}

// CallFailedEvent ends a call that could not be established.
type CallFailedEvent struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallParticipantJoined struct {
	CallID string `json:"callId"`
	User   User   `json:"user"`
}

type CallParticipantLeft struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type CallMediaUpdated struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
}

// Signal is the opaque WebRTC relay payload shared by offers, answers and
// ICE candidates.
type Signal struct {
	CallID       string          `json:"callId"`
	Payload      json.RawMessage `json:"payload"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
}

type WebRTCOffer struct{ Signal }
type WebRTCAnswer struct{ Signal }
type WebRTCICECandidate struct{ Signal }

// NewStatus carries a story posted by someone in the feed.
type NewStatus struct {
	Story
}

type StatusReaction struct {
	StatusID string `json:"statusId"`
	UserID   string `json:"userId"`
	Type     string `json:"type"`
}

type StatusViewed struct {
	StatusID string `json:"statusId"`
	UserID   string `json:"userId"`
}

// Room control, emit only.
type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

type MarkMessagesRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type JoinCall struct {
	CallID string `json:"callId"`
}

type LeaveCall struct {
	CallID string `json:"callId"`
}

type JoinStatusFeed struct{}
type LeaveStatusFeed struct{}

type MarkStatusViewed struct {
	StatusID string `json:"statusId"`
}

type UpdateUserStatus struct {
	Status PresenceStatus `json:"status"`
}

// Local connection lifecycle events.
type Connect struct{}

type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

type ConnectError struct {
	Err error `json:"-"`
}

type ReconnectAttempt struct {
	Attempt int `json:"attempt"`
}

type ReconnectFailed struct {
	Attempts int `json:"attempts"`
}

func (Authenticated) EventName() string         { return EventAuthenticated }
func (AuthenticationError) EventName() string   { return EventAuthenticationError }
func (Ping) EventName() string                  { return EventPing }
func (Pong) EventName() string                  { return EventPong }
func (NewMessage) EventName() string            { return EventNewMessage }
func (MessageRead) EventName() string           { return EventMessageRead }
func (MessageReaction) EventName() string       { return EventMessageReaction }
func (TypingStart) EventName() string           { return EventTypingStart }
func (TypingStop) EventName() string            { return EventTypingStop }
func (UserStatusUpdated) EventName() string     { return EventUserStatusUpdate }
func (IncomingCall) EventName() string          { return EventIncomingCall }
func (CallAnswered) EventName() string          { return EventCallAnswered }
func (CallDeclinedEvent) EventName() string     { return EventCallDeclined }
func (CallEnded) EventName() string             { return EventCallEnded }
func (CallFailedEvent) EventName() string       { return EventCallFailed }
func (CallParticipantJoined) EventName() string { return EventCallParticipantJoined }
func (CallParticipantLeft) EventName() string   { return EventCallParticipantLeft }
func (CallMediaUpdated) EventName() string      { return EventCallMediaUpdated }
func (WebRTCOffer) EventName() string           { return EventWebRTCOffer }
func (WebRTCAnswer) EventName() string          { return EventWebRTCAnswer }
func (WebRTCICECandidate) EventName() string    { return EventWebRTCICECandidate }
func (NewStatus) EventName() string             { return EventNewStatus }
func (StatusReaction) EventName() string        { return EventStatusReaction }
func (StatusViewed) EventName() string          { return EventStatusViewed }
func (JoinConversation) EventName() string      { return EventJoinConversation }
func (LeaveConversation) EventName() string     { return EventLeaveConversation }
func (MarkMessagesRead) EventName() string      { return EventMarkMessagesRead }
func (JoinCall) EventName() string              { return EventJoinCall }
func (LeaveCall) EventName() string             { return EventLeaveCall }
func (JoinStatusFeed) EventName() string        { return EventJoinStatusFeed }
func (LeaveStatusFeed) EventName() string       { return EventLeaveStatusFeed }
func (MarkStatusViewed) EventName() string      { return EventMarkStatusViewed }
func (UpdateUserStatus) EventName() string      { return EventUpdateUserStatus }
func (Connect) EventName() string               { return EventConnect }
func (Disconnect) EventName() string            { return EventDisconnect }
func (ConnectError) EventName() string          { return EventConnectError }
func (ReconnectAttempt) EventName() string      { return EventReconnectAttempt }
func (ReconnectFailed) EventName() string       { return EventReconnectFailed }
