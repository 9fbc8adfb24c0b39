package proto

import "time"

const (
	// Prefix of every signaling channel name. The full name is
	// SignalChannelPrefix + "/" + sessionID.
	SignalChannelPrefix = "carecall.call.v1"

	// mDNS service tag for LAN discovery of pubsub peers.
	MdnsTag = "carecall-mdns"

	// HTTP path on the relay that upgrades to a signaling websocket:
	// /api/signal/{channel}?participant={id}
	RelaySignalPath = "/api/signal/"

	// Query parameter carrying the participant id on relay connections.
	RelayParticipantParam = "participant"
)

// Signal envelope types.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Participant roles.
const (
	RoleInitiator = "initiator"
	RoleReceiver  = "receiver"
)

func NowMillis() int64 { return time.Now().UnixMilli() }

// LogLine is one captured log line as served by the log endpoints.
type LogLine struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level,omitempty"`
	Logger  string    `json:"logger,omitempty"`
	Session string    `json:"session_id,omitempty"`
	Msg     string    `json:"msg"`
}
