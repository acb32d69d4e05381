package calls

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

// SendOffer forwards an SDP offer to targetUserID. The payload is relayed
// as is. It reports whether the event was delivered.
func (r *Relay) SendOffer(ctx context.Context, callID, targetUserID string, payload json.RawMessage) bool {
	return r.router.Send(ctx, protocol.WebRTCOffer{Signal: signal(callID, targetUserID, payload)})
}

// SendAnswer forwards an SDP answer to targetUserID.
func (r *Relay) SendAnswer(ctx context.Context, callID, targetUserID string, payload json.RawMessage) bool {
	return r.router.Send(ctx, protocol.WebRTCAnswer{Signal: signal(callID, targetUserID, payload)})
}

// SendICECandidate forwards an ICE candidate to targetUserID.
func (r *Relay) SendICECandidate(ctx context.Context, callID, targetUserID string, payload json.RawMessage) bool {
	return r.router.Send(ctx, protocol.WebRTCICECandidate{Signal: signal(callID, targetUserID, payload)})
}

func signal(callID, targetUserID string, payload json.RawMessage) protocol.Signal {
	return protocol.Signal{CallID: callID, Payload: payload, TargetUserID: targetUserID}
}

// SessionDescriptionPayload encodes an offer or answer for SendOffer and
// SendAnswer.
func SessionDescriptionPayload(sd webrtc.SessionDescription) (json.RawMessage, error) {
	b, err := json.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("encode session description: %w", err)
	}
	return b, nil
}

// CandidatePayload encodes a trickled ICE candidate for SendICECandidate.
func CandidatePayload(c webrtc.ICECandidateInit) (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode ice candidate: %w", err)
	}
	return b, nil
}

// SessionDescription decodes the payload of a received offer or answer.
func SessionDescription(s protocol.Signal) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(s.Payload, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description of call %s: %w", s.CallID, err)
	}
	return sd, nil
}

// Candidate decodes the payload of a received ICE candidate.
func Candidate(s protocol.Signal) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(s.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate of call %s: %w", s.CallID, err)
	}
	return c, nil
}

// ICEServers converts the servers handed out with a call into a peer
// connection configuration entry.
func ICEServers(call protocol.Call) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(call.ICEServers))
	for _, s := range call.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// Configuration returns a peer connection configuration for call.
func Configuration(call protocol.Call) webrtc.Configuration {
	return webrtc.Configuration{ICEServers: ICEServers(call)}
}
