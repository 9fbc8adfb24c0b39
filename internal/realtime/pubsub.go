package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/petervdpas/carecall/internal/p2p"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PubSubTransport carries a session channel over a GossipSub topic. Gossip
// cannot refuse subscribers, so a third participant is detected and logged
// rather than rejected.
type PubSubTransport struct {
	endpoint
	node *p2p.Node

	opMu    sync.Mutex
	channel string
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	cancel  context.CancelFunc

	seenMu  sync.Mutex
	remotes map[peer.ID]struct{} // distinct senders on the current channel
}

// NewPubSubTransport uses the node's peer id as the participant id.
func NewPubSubTransport(node *p2p.Node) *PubSubTransport {
	return &PubSubTransport{endpoint: newEndpoint(node.ID()), node: node}
}

func (t *PubSubTransport) Open(ctx context.Context, sessionID string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	name := ChannelName(sessionID)
	if t.sub != nil && t.channel == name {
		return nil
	}
	t.leaveLocked()

	if err := ctx.Err(); err != nil {
		return err
	}
	topic, err := t.node.Topic(name)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		t.node.ReleaseTopic(name)
		t.setState(StateDisconnected)
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, name, err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	t.channel, t.topic, t.sub, t.cancel = name, topic, sub, cancel
	t.seenMu.Lock()
	t.remotes = make(map[peer.ID]struct{})
	t.seenMu.Unlock()
	t.setState(StateConnected)
	go t.readLoop(rctx, name, sub)

	log.Infof("%s subscribed to %s", t.self, name)
	return nil
}

func (t *PubSubTransport) readLoop(ctx context.Context, name string, sub *pubsub.Subscription) {
	self := t.node.Host.ID()
	t.seenMu.Lock()
	seen := t.remotes
	t.seenMu.Unlock()
	warned := false

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Warnf("%s: subscription ended: %v", name, err)
				t.setState(StateDisconnected)
			}
			return
		}
		if msg.ReceivedFrom == self || msg.GetFrom() == self {
			continue
		}

		t.seenMu.Lock()
		seen[msg.GetFrom()] = struct{}{}
		n := len(seen)
		t.seenMu.Unlock()
		if n > 1 && !warned {
			warned = true
			log.Warnf("%s: %d remote participants on a two-party channel", name, n)
		}

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Debugf("%s: ignoring malformed envelope from %s: %v", name, msg.GetFrom(), err)
			continue
		}
		t.deliver(env)
	}
}

// Remotes is the number of distinct peers heard from on the current
// channel. More than one means a third participant joined.
func (t *PubSubTransport) Remotes() int {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	return len(t.remotes)
}

func (t *PubSubTransport) Send(env Envelope) error {
	t.opMu.Lock()
	topic := t.topic
	t.opMu.Unlock()

	if topic == nil {
		return ErrNotOpen
	}
	if t.State() != StateConnected {
		return ErrTransportUnavailable
	}

	data, err := json.Marshal(t.stamp(env))
	if err != nil {
		return err
	}
	if err := topic.Publish(context.Background(), data); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (t *PubSubTransport) leaveLocked() {
	if t.sub == nil {
		return
	}
	t.cancel()
	t.sub.Cancel()
	t.node.ReleaseTopic(t.channel)
	t.sub, t.topic, t.cancel = nil, nil, nil
}

func (t *PubSubTransport) Close() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.leaveLocked()
	t.setState(StateDisconnected)
	return nil
}
