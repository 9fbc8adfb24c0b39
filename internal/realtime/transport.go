// Package realtime provides signaling channels: a named pub/sub channel per call session that
// carries offer/answer/candidate envelopes between exactly two participants.
// Delivery is best-effort: at most once, unordered, no replay for late joiners.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/petervdpas/carecall/internal/proto"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

var (
	// ErrTransportUnavailable is returned when the channel cannot be opened or
	// the relay has gone away.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")

	// ErrChannelFull is returned when a third participant tries to join a
	// session channel.
	ErrChannelFull = errors.New("signaling channel already has two participants")

	// ErrNotOpen is returned by Send before Open succeeded or after Close.
	ErrNotOpen = errors.New("signaling channel not open")
)

// State of a transport's link to its relay.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// Envelope is a signaling message that flows through a channel. Payload is
// opaque to the transport.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Transport is one participant's handle on a session channel.
type Transport interface {
	// Open subscribes to the channel derived from sessionID. Reopening the
	// same id is a no-op; a different id leaves the old channel first.
	Open(ctx context.Context, sessionID string) error

	// Send broadcasts env to the other participant. No ack, no retry.
	Send(env Envelope) error

	// OnMessage sets the handler invoked once per envelope received from
	// the other participant. Own envelopes are never delivered.
	OnMessage(fn func(Envelope))

	State() State

	// Close leaves the channel. Idempotent.
	Close() error
}

// ChannelName is the deterministic channel name for a call session.
func ChannelName(sessionID string) string {
	return proto.SignalChannelPrefix + "/" + sessionID
}

// NewParticipantID returns a random participant id.
func NewParticipantID() string {
	return uuid.NewString()
}

// endpoint holds the bookkeeping every transport shares: who we are, the
// message handler and the link state.
type endpoint struct {
	self string

	mu      sync.RWMutex
	handler func(Envelope)
	state   State
}

func newEndpoint(self string) endpoint {
	if self == "" {
		self = NewParticipantID()
	}
	return endpoint{self: self, state: StateDisconnected}
}

func (e *endpoint) OnMessage(fn func(Envelope)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

func (e *endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Self returns the participant id stamped on outgoing envelopes.
func (e *endpoint) Self() string { return e.self }

// stamp fills sender and envelope id.
func (e *endpoint) stamp(env Envelope) Envelope {
	env.From = e.self
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	return env
}

// deliver hands an inbound envelope to the handler, skipping our own.
// Relays that echo would otherwise feed our own offer back into the
// peer connection.
func (e *endpoint) deliver(env Envelope) {
	if env.From == e.self {
		return
	}
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(env)
	}
}
