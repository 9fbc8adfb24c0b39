package realtime_test

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/carecall/internal/realtime"
	"github.com/petervdpas/carecall/internal/rendezvous"

	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T) (string, func()) {
	t.Helper()
	srv := httptest.NewServer(rendezvous.New("").Handler())
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func receive(t *testing.T, ch <-chan realtime.Envelope) realtime.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope delivered")
		return realtime.Envelope{}
	}
}

func TestWebSocketTransportRelaysBetweenParticipants(t *testing.T) {
	req := require.New(t)
	url, stop := newRelay(t)
	defer stop()
	ctx := context.Background()

	a := realtime.NewWebSocketTransport(url, "initiator-1")
	b := realtime.NewWebSocketTransport(url, "receiver-1")
	aIn := make(chan realtime.Envelope, 8)
	bIn := make(chan realtime.Envelope, 8)
	a.OnMessage(func(env realtime.Envelope) { aIn <- env })
	b.OnMessage(func(env realtime.Envelope) { bIn <- env })

	req.NoError(a.Open(ctx, "appt-1"))
	req.NoError(b.Open(ctx, "appt-1"))
	defer a.Close()
	defer b.Close()
	req.Equal(realtime.StateConnected, a.State())

	req.NoError(a.Send(realtime.Envelope{Type: "offer", Payload: []byte(`{"type":"offer","sdp":"v=0"}`)}))
	got := receive(t, bIn)
	req.Equal("offer", got.Type)
	req.Equal("initiator-1", got.From)

	req.NoError(b.Send(realtime.Envelope{Type: "answer", Payload: []byte(`{"type":"answer","sdp":"v=0"}`)}))
	got = receive(t, aIn)
	req.Equal("answer", got.Type)
	req.Equal("receiver-1", got.From)

	// The relay never echoes to the sender.
	select {
	case env := <-aIn:
		t.Fatalf("sender received its own %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketTransportThirdParticipantRejected(t *testing.T) {
	req := require.New(t)
	url, stop := newRelay(t)
	defer stop()
	ctx := context.Background()

	a := realtime.NewWebSocketTransport(url, "a")
	b := realtime.NewWebSocketTransport(url, "b")
	req.NoError(a.Open(ctx, "appt-2"))
	req.NoError(b.Open(ctx, "appt-2"))
	defer a.Close()
	defer b.Close()

	c := realtime.NewWebSocketTransport(url, "c")
	req.ErrorIs(c.Open(ctx, "appt-2"), realtime.ErrChannelFull)
}

func TestWebSocketTransportUnreachableRelay(t *testing.T) {
	req := require.New(t)
	url, stop := newRelay(t)
	stop()

	a := realtime.NewWebSocketTransport(url, "a")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := a.Open(ctx, "appt-3")

	req.ErrorIs(err, realtime.ErrTransportUnavailable)
	req.Equal(realtime.StateDisconnected, a.State())
	req.ErrorIs(a.Send(realtime.Envelope{Type: "offer"}), realtime.ErrNotOpen)
}

func TestWebSocketTransportRelayLossDegrades(t *testing.T) {
	req := require.New(t)
	relay := rendezvous.New("")
	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	a := realtime.NewWebSocketTransport(url, "a")
	req.NoError(a.Open(context.Background(), "appt-4"))
	defer a.Close()

	relay.DropAll()

	req.Eventually(func() bool {
		return a.State() == realtime.StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)
	req.ErrorIs(a.Send(realtime.Envelope{Type: "offer"}), realtime.ErrTransportUnavailable)
}

func TestWebSocketTransportRetriesWhileRelayStarts(t *testing.T) {
	req := require.New(t)

	// Pick a free port, then bring the relay up on it shortly after the
	// first dial has failed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	addr := ln.Addr().String()
	req.NoError(ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = rendezvous.New(addr).Start(ctx)
	}()

	a := realtime.NewWebSocketTransport("ws://"+addr, "a")
	defer a.Close()
	req.NoError(a.Open(ctx, "appt-5"))
	req.Equal(realtime.StateConnected, a.State())
}

func TestWebSocketTransportCloseAbortsOpen(t *testing.T) {
	req := require.New(t)

	// Accepts the TCP connection, never answers the upgrade.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	defer ln.Close()
	held := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held <- c
		}
	}()
	defer func() {
		for len(held) > 0 {
			_ = (<-held).Close()
		}
	}()

	tr := realtime.NewWebSocketTransport("ws://"+ln.Addr().String(), "a")
	opened := make(chan error, 1)
	go func() { opened <- tr.Open(context.Background(), "appt-9") }()
	time.Sleep(200 * time.Millisecond)

	begin := time.Now()
	req.NoError(tr.Close())
	req.Less(time.Since(begin), time.Second, "Close waited for the handshake")

	select {
	case err := <-opened:
		req.ErrorIs(err, realtime.ErrTransportUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("Open kept dialing after Close")
	}
	req.Equal(realtime.StateDisconnected, tr.State())
	req.ErrorIs(tr.Send(realtime.Envelope{Type: "offer"}), realtime.ErrNotOpen)
}
