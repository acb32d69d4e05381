package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cydjerr/speakjerr/internal/apperr"
)

// Envelope is the wire frame: {"event": name, "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode frames ev for the wire.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

// DecodeEnvelope parses a wire frame without decoding its data.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, apperr.Protocol("malformed frame: %v", err)
	}
	if env.Event == "" {
		return Envelope{}, apperr.Protocol("frame without event name")
	}
	return env, nil
}

type decoder func(json.RawMessage) (Event, error)

var registry = map[string]decoder{}

func register[E Event]() {
	var zero E
	registry[zero.EventName()] = func(data json.RawMessage) (Event, error) {
		var ev E
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return ev, nil
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func init() {
	register[Authenticated]()
	register[AuthenticationError]()
	register[Ping]()
	register[Pong]()
	register[NewMessage]()
	register[MessageRead]()
	register[MessageReaction]()
	register[TypingStart]()
	register[TypingStop]()
	register[UserStatusUpdated]()
	register[IncomingCall]()
	register[CallAnswered]()
	register[CallDeclinedEvent]()
	register[CallEnded]()
	register[CallFailedEvent]()
	register[CallParticipantJoined]()
	register[CallParticipantLeft]()
	register[CallMediaUpdated]()
	register[WebRTCOffer]()
	register[WebRTCAnswer]()
	register[WebRTCICECandidate]()
	register[NewStatus]()
	register[StatusReaction]()
	register[StatusViewed]()
}

// Inbound reports whether name is accepted from the server.
func Inbound(name string) bool {
	_, ok := registry[name]
	return ok
}

// Decode turns an inbound wire event into its typed form. Unknown names
// and malformed data yield a protocol error.
func Decode(name string, data json.RawMessage) (Event, error) {
	dec, ok := registry[name]
	if !ok {
		return nil, apperr.Protocol("unknown event %q", name)
	}
	ev, err := dec(data)
	if err != nil {
		return nil, apperr.Protocol("malformed %s: %v", name, err)
	}
	return ev, nil
}
