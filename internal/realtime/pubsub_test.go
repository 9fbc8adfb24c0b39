package realtime_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/carecall/internal/p2p"
	"github.com/petervdpas/carecall/internal/realtime"

	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T) *p2p.Node {
	t.Helper()
	n, err := p2p.New(context.Background(), p2p.Options{KeyFile: filepath.Join(t.TempDir(), "identity.key")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func connectAll(t *testing.T, nodes ...*p2p.Node) {
	t.Helper()
	for i, n := range nodes {
		for _, other := range nodes[i+1:] {
			require.NoError(t, n.Connect(context.Background(), other.AddrInfo()))
		}
	}
}

func inbox(tr realtime.Transport) <-chan realtime.Envelope {
	ch := make(chan realtime.Envelope, 64)
	tr.OnMessage(func(env realtime.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	return ch
}

// sendUntilReceived repeats env until it shows up in ch. The gossip mesh
// forms some time after subscribing, and early publishes are lost.
func sendUntilReceived(t *testing.T, from realtime.Transport, env realtime.Envelope, ch <-chan realtime.Envelope) realtime.Envelope {
	t.Helper()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(10 * time.Second)

	require.NoError(t, from.Send(env))
	for {
		select {
		case got := <-ch:
			return got
		case <-tick.C:
			require.NoError(t, from.Send(env))
		case <-deadline:
			t.Fatalf("%s never delivered", env.Type)
			return realtime.Envelope{}
		}
	}
}

func TestPubSubTransportDeliversBetweenNodes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	na, nb := newNode(t), newNode(t)
	connectAll(t, na, nb)

	a := realtime.NewPubSubTransport(na)
	b := realtime.NewPubSubTransport(nb)
	aIn, bIn := inbox(a), inbox(b)
	req.NoError(a.Open(ctx, "appt-1"))
	req.NoError(b.Open(ctx, "appt-1"))
	defer a.Close()
	defer b.Close()
	req.Equal(realtime.StateConnected, a.State())
	req.Equal(na.ID(), a.Self())

	got := sendUntilReceived(t, a, realtime.Envelope{Type: "offer", Payload: []byte(`{"type":"offer","sdp":"v=0"}`)}, bIn)
	req.Equal("offer", got.Type)
	req.Equal(na.ID(), got.From)

	got = sendUntilReceived(t, b, realtime.Envelope{Type: "answer", Payload: []byte(`{"type":"answer","sdp":"v=0"}`)}, aIn)
	req.Equal("answer", got.Type)
	req.Equal(nb.ID(), got.From)

	// Nobody hears themselves.
	for len(aIn) > 0 {
		req.NotEqual(a.Self(), (<-aIn).From)
	}
	for len(bIn) > 0 {
		req.NotEqual(b.Self(), (<-bIn).From)
	}
	req.Equal(1, a.Remotes())
	req.Equal(1, b.Remotes())
}

func TestPubSubTransportOpenAndClose(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	tr := realtime.NewPubSubTransport(newNode(t))

	req.ErrorIs(tr.Send(realtime.Envelope{Type: "offer"}), realtime.ErrNotOpen)

	req.NoError(tr.Open(ctx, "appt-2"))
	req.NoError(tr.Open(ctx, "appt-2"), "reopening the same session is a no-op")
	req.Equal(realtime.StateConnected, tr.State())
	req.NoError(tr.Send(realtime.Envelope{Type: "offer"}), "publishing with no listeners is not an error")

	req.NoError(tr.Close())
	req.NoError(tr.Close())
	req.Equal(realtime.StateDisconnected, tr.State())
	req.ErrorIs(tr.Send(realtime.Envelope{Type: "offer"}), realtime.ErrNotOpen)

	// The node keeps working for the next call.
	req.NoError(tr.Open(ctx, "appt-2"))
	req.NoError(tr.Close())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	req.Error(tr.Open(cancelled, "appt-3"))
	req.Equal(realtime.StateDisconnected, tr.State())
}

func TestPubSubTransportCountsThirdParticipant(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	na, nb, nc := newNode(t), newNode(t), newNode(t)
	connectAll(t, na, nb, nc)

	a := realtime.NewPubSubTransport(na)
	b := realtime.NewPubSubTransport(nb)
	c := realtime.NewPubSubTransport(nc)
	for _, tr := range []*realtime.PubSubTransport{a, b, c} {
		req.NoError(tr.Open(ctx, "appt-3"))
		defer tr.Close()
	}

	// Gossip cannot refuse the third subscriber; it is only noticed.
	req.Eventually(func() bool {
		_ = b.Send(realtime.Envelope{Type: "ice-candidate"})
		_ = c.Send(realtime.Envelope{Type: "ice-candidate"})
		return a.Remotes() == 2
	}, 10*time.Second, 200*time.Millisecond)
}
