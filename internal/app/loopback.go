package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/carecall/internal/call"
	"github.com/petervdpas/carecall/internal/realtime"
	"github.com/petervdpas/carecall/internal/rendezvous"
	"github.com/petervdpas/carecall/internal/surface"
	"github.com/petervdpas/carecall/internal/util"
)

type LoopbackOptions struct {
	// UseRelay signals through an in-process websocket relay instead of
	// the memory hub.
	UseRelay bool

	// Timeout bounds call setup. Zero means 30s.
	Timeout time.Duration

	// Hold keeps the call up this long once both sides are live.
	Hold time.Duration
}

type LoopbackResult struct {
	Initiator surface.Update
	Receiver  surface.Update
	SetupTime time.Duration

	// RelayChannels is the relay's view of open channels once both sides
	// were live. Only set with UseRelay.
	RelayChannels []rendezvous.ChannelInfo
}

// RunLoopback places a call between two participants inside this process
// using synthetic media and host candidates. It is a smoke test for the
// whole stack short of real devices.
func RunLoopback(ctx context.Context, o LoopbackOptions) (LoopbackResult, error) {
	var res LoopbackResult
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var transport func(string) realtime.Transport
	var ops *rendezvous.Client
	if o.UseRelay {
		rv := rendezvous.New("127.0.0.1:0")
		if err := rv.Start(ctx); err != nil {
			return res, fmt.Errorf("relay: %w", err)
		}
		log.Infof("loopback relay on %s", rv.URL())
		ops = rendezvous.NewClient(rv.URL())
		transport = func(id string) realtime.Transport { return realtime.NewWebSocketTransport(rv.URL(), id) }
	} else {
		hub := realtime.NewHub()
		transport = func(id string) realtime.Transport { return hub.Transport(id) }
	}

	sessionID := "loopback-" + util.RandomHex(4)
	cfg := call.Config{IncludeLoopback: true, NegotiationTimeout: o.Timeout}

	initiator := surface.New(call.NewSession(sessionID, "receiver", cfg, call.SyntheticSource{}, transport("initiator")), "receiver")
	receiver := surface.New(call.NewSession(sessionID, "initiator", cfg, call.SyntheticSource{}, transport("receiver")), "initiator")
	defer initiator.End()
	defer receiver.End()

	began := time.Now()
	if err := receiver.Start(ctx, false); err != nil {
		return res, fmt.Errorf("receiver: %w", err)
	}
	if err := initiator.Start(ctx, true); err != nil {
		return res, fmt.Errorf("initiator: %w", err)
	}

	if err := waitLive(ctx, initiator, o.Timeout); err != nil {
		return res, fmt.Errorf("initiator: %w", err)
	}
	if err := waitLive(ctx, receiver, o.Timeout); err != nil {
		return res, fmt.Errorf("receiver: %w", err)
	}
	res.SetupTime = time.Since(began)
	log.Infof("loopback %s live after %s", sessionID, res.SetupTime.Round(time.Millisecond))

	if ops != nil {
		rows, err := ops.Channels(ctx)
		if err != nil {
			log.Warnf("relay channels: %v", err)
		}
		res.RelayChannels = rows
	}

	if o.Hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(o.Hold):
		}
	}

	res.Initiator = initiator.Current()
	res.Receiver = receiver.Current()
	return res, nil
}

func waitLive(ctx context.Context, c *surface.Call, timeout time.Duration) error {
	ch, cancel := c.Subscribe()
	defer cancel()

	deadline := time.After(timeout)
	for {
		u := c.Current()
		switch u.View {
		case surface.ViewLive:
			return nil
		case surface.ViewError, surface.ViewEnded:
			if u.Error != "" {
				return errors.New(u.Error)
			}
			return fmt.Errorf("call %s before going live", u.View)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("not live after %s", timeout)
		case _, ok := <-ch:
			if !ok {
				return errors.New("call ended")
			}
		}
	}
}
