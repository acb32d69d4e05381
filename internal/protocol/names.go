package protocol

// Wire event names.
const (
	// Handshake and liveness.
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"
	EventPing                = "ping"
	EventPong                = "pong"

	// Messaging.
	EventNewMessage       = "new_message"
	EventMessageRead      = "message_read"
	EventMessageReaction  = "message_reaction"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventUserStatusUpdate = "user_status_updated"

	// Calls.
	EventIncomingCall          = "incoming_call"
	EventCallAnswered          = "call_answered"
	EventCallDeclined          = "call_declined"
	EventCallEnded             = "call_ended"
	EventCallFailed            = "call_failed"
	EventCallParticipantJoined = "call_participant_joined"
	EventCallParticipantLeft   = "call_participant_left"
	EventCallMediaUpdated      = "call_media_updated"
	EventWebRTCOffer           = "webrtc_offer"
	EventWebRTCAnswer          = "webrtc_answer"
	EventWebRTCICECandidate    = "webrtc_ice_candidate"

	// Stories.
	EventNewStatus      = "new_status"
	EventStatusReaction = "status_reaction"
	EventStatusViewed   = "status_viewed"

	// Emit-only room control.
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMarkMessagesRead  = "mark_messages_read"
	EventJoinCall          = "join_call"
	EventLeaveCall         = "leave_call"
	EventJoinStatusFeed    = "join_status_feed"
	EventLeaveStatusFeed   = "leave_status_feed"
	EventMarkStatusViewed  = "mark_status_viewed"
	EventUpdateUserStatus  = "update_user_status"

	// Local-only, never on the wire.
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)
