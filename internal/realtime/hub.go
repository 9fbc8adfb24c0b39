package realtime

import (
	"context"
	"sync"
)

// Hub is an in-process relay. Every MemoryTransport created from the same
// Hub can reach the others; channels hold at most two members.
type Hub struct {
	mu          sync.Mutex
	channels    map[string]map[string]*member // channel -> participant -> member
	unreachable bool
}

type member struct {
	t     *MemoryTransport
	inbox chan Envelope
	done  chan struct{}
	once  sync.Once
}

func (m *member) stop() {
	m.once.Do(func() { close(m.done) })
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*member)}
}

// Transport returns a new transport for participantID on this hub.
// An empty id gets a random one.
func (h *Hub) Transport(participantID string) *MemoryTransport {
	return &MemoryTransport{endpoint: newEndpoint(participantID), hub: h}
}

// SetReachable simulates the relay going away (false) or coming back (true).
// Going away drops every member to disconnected; nothing reconnects them.
func (h *Hub) SetReachable(ok bool) {
	h.mu.Lock()
	h.unreachable = !ok
	var affected []*MemoryTransport
	if !ok {
		for _, members := range h.channels {
			for _, m := range members {
				affected = append(affected, m.t)
			}
		}
	}
	h.mu.Unlock()

	for _, t := range affected {
		t.setState(StateDisconnected)
		log.Warnf("relay lost for %s", t.self)
	}
}

// Members returns the number of participants subscribed to channel.
func (h *Hub) Members(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) join(channel string, t *MemoryTransport) (*member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unreachable {
		return nil, ErrTransportUnavailable
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[string]*member)
		h.channels[channel] = members
	}
	if _, ok := members[t.self]; !ok && len(members) >= 2 {
		return nil, ErrChannelFull
	}
	if old, ok := members[t.self]; ok {
		old.stop()
	}

	m := &member{t: t, inbox: make(chan Envelope, 256), done: make(chan struct{})}
	members[t.self] = m
	return m, nil
}

func (h *Hub) leave(channel string, m *member) {
	h.mu.Lock()
	if members := h.channels[channel]; members != nil {
		if cur, ok := members[m.t.self]; ok && cur == m {
			delete(members, m.t.self)
		}
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
	m.stop()
}

func (h *Hub) publish(channel string, env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unreachable {
		return ErrTransportUnavailable
	}
	for id, m := range h.channels[channel] {
		if id == env.From {
			continue
		}
		select {
		case m.inbox <- env:
		default:
			// drop on slow subscriber
			log.Warnf("channel %s: dropping %s for slow participant %s", channel, env.Type, id)
		}
	}
	return nil
}

// MemoryTransport is a Transport backed by a Hub.
type MemoryTransport struct {
	endpoint
	hub *Hub

	opMu    sync.Mutex
	channel string
	sub     *member
}

func (t *MemoryTransport) Open(_ context.Context, sessionID string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	name := ChannelName(sessionID)
	if t.sub != nil && t.channel == name && t.State() == StateConnected {
		return nil
	}
	if t.sub != nil {
		t.hub.leave(t.channel, t.sub)
		t.sub = nil
	}

	m, err := t.hub.join(name, t)
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}
	t.sub = m
	t.channel = name
	t.setState(StateConnected)
	go t.pump(m)

	log.Debugf("%s joined %s", t.self, name)
	return nil
}

func (t *MemoryTransport) pump(m *member) {
	for {
		select {
		case <-m.done:
			return
		case env := <-m.inbox:
			t.deliver(env)
		}
	}
}

func (t *MemoryTransport) Send(env Envelope) error {
	t.opMu.Lock()
	channel, open := t.channel, t.sub != nil
	t.opMu.Unlock()

	if !open {
		return ErrNotOpen
	}
	if t.State() != StateConnected {
		return ErrTransportUnavailable
	}
	return t.hub.publish(channel, t.stamp(env))
}

func (t *MemoryTransport) Close() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.sub != nil {
		t.hub.leave(t.channel, t.sub)
		t.sub = nil
	}
	t.setState(StateDisconnected)
	return nil
}
