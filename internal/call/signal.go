package call

import (
	"encoding/json"
	"strings"

	"github.com/petervdpas/carecall/internal/proto"
	"github.com/petervdpas/carecall/internal/realtime"

	"github.com/pion/webrtc/v4"
)

func descriptionEnvelope(desc webrtc.SessionDescription) (realtime.Envelope, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return realtime.Envelope{}, err
	}
	typ := proto.TypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		typ = proto.TypeAnswer
	}
	return realtime.Envelope{Type: typ, Payload: b}, nil
}

func candidateEnvelope(c webrtc.ICECandidateInit) (realtime.Envelope, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return realtime.Envelope{}, err
	}
	return realtime.Envelope{Type: proto.TypeICECandidate, Payload: b}, nil
}

func decodeDescription(env realtime.Envelope, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		return desc, &NegotiationError{Signal: env.Type, Reason: "malformed session description", Err: err}
	}
	if desc.Type != want {
		return desc, &NegotiationError{Signal: env.Type, Reason: "description type is " + desc.Type.String()}
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return desc, &NegotiationError{Signal: env.Type, Reason: "empty sdp"}
	}
	return desc, nil
}

func decodeCandidate(env realtime.Envelope) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		return c, &NegotiationError{Signal: env.Type, Reason: "malformed candidate", Err: err}
	}
	if strings.TrimSpace(c.Candidate) == "" {
		return c, &NegotiationError{Signal: env.Type, Reason: "empty candidate"}
	}
	return c, nil
}
