package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/carecall/internal/proto"
	"github.com/petervdpas/carecall/internal/realtime"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const waitFor = 15 * time.Second

func testConfig() Config {
	// Host candidates only; no network access needed.
	return Config{IncludeLoopback: true}
}

// recorder captures everything a session reports.
type recorder struct {
	states chan State
	errs   chan error
	tracks chan RemoteTrack

	mu   sync.Mutex
	seen []State
}

func record(s *Session) *recorder {
	r := &recorder{
		states: make(chan State, 32),
		errs:   make(chan error, 32),
		tracks: make(chan RemoteTrack, 4),
	}
	s.OnStateChange(func(st State) {
		r.mu.Lock()
		r.seen = append(r.seen, st)
		r.mu.Unlock()
		r.states <- st
	})
	s.OnError(func(err error) { r.errs <- err })
	s.OnRemoteTrack(func(t RemoteTrack) {
		select {
		case r.tracks <- t:
		default:
		}
	})
	return r
}

func (r *recorder) history() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seen...)
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case st := <-r.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached, saw %v", want, r.history())
		}
	}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitFor):
		t.Fatal("no error reported")
		return nil
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not finish", s.ID())
	}
}

// countingSource wraps SyntheticSource and counts released tracks.
type countingSource struct {
	SyntheticSource
	released atomic.Int32
}

type countedTrack struct {
	LocalTrack
	src  *countingSource
	once sync.Once
}

func (t *countedTrack) Close() error {
	t.once.Do(func() { t.src.released.Add(1) })
	return t.LocalTrack.Close()
}

func (c *countingSource) Acquire(ctx context.Context) ([]LocalTrack, error) {
	tracks, err := c.SyntheticSource.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]LocalTrack, len(tracks))
	for i, t := range tracks {
		out[i] = &countedTrack{LocalTrack: t, src: c}
	}
	return out, nil
}

// deniedSource fails like a browser whose user dismissed the prompt.
type deniedSource struct{ SyntheticSource }

func (deniedSource) Acquire(context.Context) ([]LocalTrack, error) {
	return nil, &MediaAccessError{Reason: ErrPermissionDenied, Err: errors.New("prompt dismissed")}
}

func TestSessionsConnectOverHub(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()

	// Given a doctor and a patient on the same session
	doctor := NewSession("appt-1", "patient", testConfig(), SyntheticSource{}, hub.Transport("doctor"))
	patient := NewSession("appt-1", "doctor", testConfig(), SyntheticSource{}, hub.Transport("patient"))
	dr, pr := record(doctor), record(patient)
	defer doctor.Stop()
	defer patient.Stop()

	// When the receiver joins first and the initiator second
	req.NoError(patient.Start(context.Background(), false))
	req.NoError(doctor.Start(context.Background(), true))

	// Then both sides connect and the patient hears the doctor
	dr.waitState(t, StateConnected)
	pr.waitState(t, StateConnected)
	req.Equal([]State{StateConnecting, StateConnected}, dr.history()[:2])

	select {
	case tr := <-pr.tracks:
		req.Equal("audio", tr.Kind())
		req.NotNil(tr.RequestKeyframe)
	case <-time.After(waitFor):
		t.Fatal("no remote track")
	}

	// And stopping ends in closed exactly once
	doctor.Stop()
	doctor.Stop()
	waitDone(t, doctor)
	h := dr.history()
	req.Equal(StateClosed, h[len(h)-1])
	closed := 0
	for _, st := range h {
		if st == StateClosed {
			closed++
		}
	}
	req.Equal(1, closed)
}

// scriptTransport hands pre-recorded envelopes to the session while Open
// is still running, before the session has begun negotiating.
type scriptTransport struct {
	mu      sync.Mutex
	handler func(realtime.Envelope)
	onOpen  []realtime.Envelope
	state   realtime.State
	sendErr error

	sent chan realtime.Envelope
}

func newScriptTransport(onOpen ...realtime.Envelope) *scriptTransport {
	return &scriptTransport{onOpen: onOpen, state: realtime.StateDisconnected, sent: make(chan realtime.Envelope, 64)}
}

func (t *scriptTransport) Open(context.Context, string) error {
	t.mu.Lock()
	t.state = realtime.StateConnected
	h, pre := t.handler, t.onOpen
	t.mu.Unlock()
	for _, env := range pre {
		h(env)
	}
	return nil
}

func (t *scriptTransport) Send(env realtime.Envelope) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	select {
	case t.sent <- env:
	default:
	}
	return nil
}

// inject delivers env as if it had just arrived from the remote.
func (t *scriptTransport) inject(env realtime.Envelope) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h(env)
}

func (t *scriptTransport) OnMessage(fn func(realtime.Envelope)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *scriptTransport) State() realtime.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *scriptTransport) Close() error {
	t.mu.Lock()
	t.state = realtime.StateDisconnected
	t.mu.Unlock()
	return nil
}

// newRemotePeer is a plain Pion peer standing in for the other side of a
// call, restricted to loopback host candidates.
func newRemotePeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestReceiverBuffersCandidatesThatArriveBeforeOffer(t *testing.T) {
	req := require.New(t)

	// Given a remote offer plus its candidates, gathered up front
	remote := newRemotePeer(t)
	_, err := remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	req.NoError(err)
	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	req.NoError(err)

	var cands []webrtc.ICECandidateInit
	var candMu sync.Mutex
	remote.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			candMu.Lock()
			cands = append(cands, c.ToJSON())
			candMu.Unlock()
		}
	})
	offer, err := remote.CreateOffer(nil)
	req.NoError(err)
	gathered := webrtc.GatheringCompletePromise(remote)
	req.NoError(remote.SetLocalDescription(offer))
	<-gathered

	// Candidates first, offer last: the session must hold the candidates
	// until the offer gives it a remote description.
	var script []realtime.Envelope
	candMu.Lock()
	for _, c := range cands {
		env, err := candidateEnvelope(c)
		req.NoError(err)
		script = append(script, env)
	}
	candMu.Unlock()
	req.NotEmpty(script)
	offerEnv, err := descriptionEnvelope(offer)
	req.NoError(err)
	script = append(script, offerEnv)

	tr := newScriptTransport(script...)
	sess := NewSession("appt-2", "doctor", testConfig(), SyntheticSource{}, tr)
	rec := record(sess)
	defer sess.Stop()

	req.NoError(sess.Start(context.Background(), false))

	// Feed the session's answer and candidates back to the remote
	go func() {
		var pending []webrtc.ICECandidateInit
		answered := false
		for env := range tr.sent {
			switch env.Type {
			case proto.TypeAnswer:
				desc, err := decodeDescription(env, webrtc.SDPTypeAnswer)
				if err != nil || remote.SetRemoteDescription(desc) != nil {
					return
				}
				answered = true
				for _, c := range pending {
					_ = remote.AddICECandidate(c)
				}
				pending = nil
			case proto.TypeICECandidate:
				c, err := decodeCandidate(env)
				if err != nil {
					continue
				}
				if answered {
					_ = remote.AddICECandidate(c)
				} else {
					pending = append(pending, c)
				}
			}
		}
	}()

	rec.waitState(t, StateConnected)
}

func TestStopBeforeStart(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	src := &countingSource{}

	sess := NewSession("appt-3", "x", testConfig(), src, hub.Transport("a"))
	rec := record(sess)

	sess.Stop()
	sess.Stop()
	waitDone(t, sess)

	req.ErrorIs(sess.Start(context.Background(), true), ErrStopped)
	req.ErrorIs(sess.ToggleAudio(false), ErrStopped)
	req.Empty(rec.history(), "a session that never started emits nothing")
	req.Equal(StateNew, sess.State())
	req.Zero(src.released.Load())
}

func TestUnansweredOfferStaysConnectingUntilStop(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	src := &countingSource{}

	sess := NewSession("appt-4", "nobody", testConfig(), src, hub.Transport("a"))
	rec := record(sess)

	req.NoError(sess.Start(context.Background(), true))
	req.ErrorIs(sess.Start(context.Background(), true), ErrAlreadyStarted)
	rec.waitState(t, StateConnecting)
	req.Equal(1, hub.Members(realtime.ChannelName("appt-4")))

	time.Sleep(200 * time.Millisecond)
	req.Equal(StateConnecting, sess.State())

	sess.Stop()
	waitDone(t, sess)
	req.Equal([]State{StateConnecting, StateClosed}, rec.history())
	req.Equal(int32(2), src.released.Load(), "both local tracks released")
	req.Zero(hub.Members(realtime.ChannelName("appt-4")))
}

func TestMediaDeniedNeverConnects(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()

	sess := NewSession("appt-5", "doctor", testConfig(), deniedSource{}, hub.Transport("a"))
	rec := record(sess)
	defer sess.Stop()

	err := sess.Start(context.Background(), false)
	req.ErrorIs(err, ErrPermissionDenied)
	var mae *MediaAccessError
	req.ErrorAs(err, &mae)

	req.ErrorIs(rec.waitError(t), ErrPermissionDenied)
	req.Zero(hub.Members(realtime.ChannelName("appt-5")), "channel never opened")

	sess.Stop()
	waitDone(t, sess)
	req.Empty(rec.history())
}

func TestTransportUnavailableReleasesMedia(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	hub.SetReachable(false)
	src := &countingSource{}

	sess := NewSession("appt-6", "doctor", testConfig(), src, hub.Transport("a"))
	rec := record(sess)
	defer sess.Stop()

	err := sess.Start(context.Background(), true)
	req.ErrorIs(err, ErrTransportUnavailable)
	req.ErrorIs(rec.waitError(t), ErrTransportUnavailable)
	req.Equal(int32(2), src.released.Load())
	req.Equal(StateNew, sess.State())
}

func TestThirdParticipantCannotStart(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	ctx := context.Background()

	a := NewSession("appt-7", "", testConfig(), SyntheticSource{}, hub.Transport("a"))
	b := NewSession("appt-7", "", testConfig(), SyntheticSource{}, hub.Transport("b"))
	c := NewSession("appt-7", "", testConfig(), SyntheticSource{}, hub.Transport("c"))
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	req.NoError(a.Start(ctx, true))
	req.NoError(b.Start(ctx, false))
	err := c.Start(ctx, false)
	req.ErrorIs(err, ErrTransportUnavailable)
	req.ErrorIs(err, realtime.ErrChannelFull)
}

func TestNegotiationTimeout(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	cfg := testConfig()
	cfg.NegotiationTimeout = 200 * time.Millisecond

	sess := NewSession("appt-8", "nobody", cfg, SyntheticSource{}, hub.Transport("a"))
	rec := record(sess)
	defer sess.Stop()

	req.NoError(sess.Start(context.Background(), true))
	rec.waitState(t, StateFailed)
	req.ErrorIs(rec.waitError(t), ErrNegotiationTimeout)

	// failed is sticky until closed
	sess.Stop()
	waitDone(t, sess)
	req.Equal([]State{StateConnecting, StateFailed, StateClosed}, rec.history())
}

func TestToggleVideoKeepsCallConnected(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	ctx := context.Background()

	a := NewSession("appt-9", "b", testConfig(), SyntheticSource{}, hub.Transport("a"))
	b := NewSession("appt-9", "a", testConfig(), SyntheticSource{}, hub.Transport("b"))
	ar, br := record(a), record(b)
	defer a.Stop()
	defer b.Stop()

	req.NoError(b.Start(ctx, false))
	req.NoError(a.Start(ctx, true))
	ar.waitState(t, StateConnected)
	br.waitState(t, StateConnected)

	video := a.sender(webrtc.RTPCodecTypeVideo)
	req.NotNil(video)
	original := video.Track()
	req.NotNil(original)

	req.NoError(a.ToggleVideo(false))
	req.False(a.VideoEnabled())
	req.True(a.AudioEnabled())
	req.Nil(video.Track(), "a disabled sender carries no track")
	req.NotNil(a.sender(webrtc.RTPCodecTypeAudio).Track())
	req.NoError(a.ToggleVideo(false), "repeating a toggle is a no-op")

	time.Sleep(300 * time.Millisecond)
	req.Equal(StateConnected, a.State())
	req.Equal(StateConnected, b.State())

	req.NoError(a.ToggleVideo(true))
	req.True(a.VideoEnabled())
	req.Same(video, a.sender(webrtc.RTPCodecTypeVideo), "the sender is reused, not renegotiated")
	req.NotNil(video.Track())
	req.Equal(original.ID(), video.Track().ID(), "the original track comes back")
	req.Equal(StateConnected, a.State())
}

func (s *Session) sender(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senders[kind]
}

func TestToggleBeforeStartIsApplied(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()

	sess := NewSession("appt-10", "", testConfig(), SyntheticSource{}, hub.Transport("a"))
	defer sess.Stop()

	req.NoError(sess.ToggleAudio(false))
	req.NoError(sess.Start(context.Background(), true))
	req.False(sess.AudioEnabled())
	req.True(sess.VideoEnabled())

	st := sess.Status()
	req.Equal(proto.RoleInitiator, st.Role)
	req.False(st.AudioEnabled)
}

func TestUnexpectedSignalsAreIgnored(t *testing.T) {
	req := require.New(t)

	// An answer with nothing offered, and garbage, are both dropped.
	bogusAnswer := realtime.Envelope{Type: proto.TypeAnswer, Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}
	garbage := realtime.Envelope{Type: "hangup", Payload: json.RawMessage(`{}`)}
	tr := newScriptTransport(bogusAnswer, garbage)

	sess := NewSession("appt-11", "", testConfig(), SyntheticSource{}, tr)
	rec := record(sess)
	defer sess.Stop()

	req.NoError(sess.Start(context.Background(), false))
	rec.waitState(t, StateConnecting)

	time.Sleep(100 * time.Millisecond)
	req.Equal(StateConnecting, sess.State())
	select {
	case err := <-rec.errs:
		t.Fatalf("ignored signals must not be reported: %v", err)
	default:
	}
}

func TestInitiatorIgnoresCrossingOffer(t *testing.T) {
	req := require.New(t)

	tr := newScriptTransport()
	sess := NewSession("appt-12", "", testConfig(), SyntheticSource{}, tr)
	rec := record(sess)
	defer sess.Stop()

	req.NoError(sess.Start(context.Background(), true))

	// Our own offer goes out first; candidates may race it.
	var ownOffer webrtc.SessionDescription
	var early []webrtc.ICECandidateInit
	deadline := time.After(waitFor)
	for ownOffer.SDP == "" {
		select {
		case env := <-tr.sent:
			switch env.Type {
			case proto.TypeOffer:
				d, err := decodeDescription(env, webrtc.SDPTypeOffer)
				req.NoError(err)
				ownOffer = d
			case proto.TypeICECandidate:
				c, err := decodeCandidate(env)
				req.NoError(err)
				early = append(early, c)
			}
		case <-deadline:
			t.Fatal("initiator sent no offer")
		}
	}

	// A peer that also thinks it initiates sends an offer of its own.
	other := newRemotePeer(t)
	_, err := other.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	req.NoError(err)
	crossing, err := other.CreateOffer(nil)
	req.NoError(err)
	crossingEnv, err := descriptionEnvelope(crossing)
	req.NoError(err)
	tr.inject(crossingEnv)

	time.Sleep(100 * time.Millisecond)
	req.Equal(StateConnecting, sess.State())
	select {
	case err := <-rec.errs:
		t.Fatalf("a crossing offer must not be reported: %v", err)
	default:
	}

	// The real answer still completes the call.
	remote := newRemotePeer(t)
	remote.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if env, err := candidateEnvelope(c.ToJSON()); err == nil {
			tr.inject(env)
		}
	})
	req.NoError(remote.SetRemoteDescription(ownOffer))
	for _, c := range early {
		req.NoError(remote.AddICECandidate(c))
	}
	answer, err := remote.CreateAnswer(nil)
	req.NoError(err)
	req.NoError(remote.SetLocalDescription(answer))
	answerEnv, err := descriptionEnvelope(answer)
	req.NoError(err)
	tr.inject(answerEnv)

	go func() {
		for env := range tr.sent {
			if env.Type != proto.TypeICECandidate {
				continue
			}
			if c, err := decodeCandidate(env); err == nil {
				_ = remote.AddICECandidate(c)
			}
		}
	}()

	rec.waitState(t, StateConnected)
	select {
	case err := <-rec.errs:
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}

func TestLostSignalIsReportedButNotFatal(t *testing.T) {
	req := require.New(t)

	tr := newScriptTransport()
	tr.sendErr = fmt.Errorf("%w: relay gone", realtime.ErrTransportUnavailable)
	sess := NewSession("appt-13", "", testConfig(), SyntheticSource{}, tr)
	rec := record(sess)
	defer sess.Stop()

	req.NoError(sess.Start(context.Background(), true))
	rec.waitState(t, StateConnecting)

	err := rec.waitError(t)
	req.ErrorIs(err, ErrSignalNotSent)
	req.ErrorIs(err, ErrTransportUnavailable)

	time.Sleep(100 * time.Millisecond)
	req.Equal(StateConnecting, sess.State())
}

// silentRelay accepts TCP connections and never answers the handshake.
func silentRelay(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return "ws://" + ln.Addr().String()
}

func TestStopAbortsSignalingDial(t *testing.T) {
	req := require.New(t)

	src := &countingSource{}
	sess := NewSession("appt-14", "", testConfig(), src, realtime.NewWebSocketTransport(silentRelay(t), "a"))

	startErr := make(chan error, 1)
	go func() { startErr <- sess.Start(context.Background(), true) }()
	time.Sleep(300 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sess.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind the relay handshake")
	}
	select {
	case err := <-startErr:
		req.Error(err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start still dialing after Stop")
	}
	waitDone(t, sess)
	req.Equal(int32(2), src.released.Load(), "both local tracks released")
}
