package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/carecall/internal/proto"
	"github.com/petervdpas/carecall/internal/realtime"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evBegin eventKind = iota
	evSignal
	evPeerState
	evRemoteTrack
	evError
	evNegotiationTimeout
)

type event struct {
	kind eventKind

	initiator bool
	pc        *webrtc.PeerConnection
	env       realtime.Envelope
	pcState   webrtc.PeerConnectionState
	track     RemoteTrack
	err       error
}

// Session represents one call attempt between two participants. It owns
// one peer connection, the local capture tracks and one signaling
// transport. All protocol events are processed by a single event loop,
// which is also the only place callbacks are invoked from.
type Session struct {
	id          string
	remoteLabel string
	cfg         Config
	media       MediaSource
	tr          realtime.Transport

	cbMu          sync.RWMutex
	onStateChange func(State)
	onError       func(error)
	onRemoteTrack func(RemoteTrack)

	mu        sync.Mutex
	started   bool
	stopped   bool
	initiator bool
	startedAt time.Time
	state     State
	pc        *webrtc.PeerConnection
	tracks    []LocalTrack
	senders   map[webrtc.RTPCodecType]*webrtc.RTPSender
	local     map[webrtc.RTPCodecType]LocalTrack
	enabled   map[webrtc.RTPCodecType]bool
	lastErr   error

	// Set by Manager before Start.
	notifyStart func(SessionStatus)

	events   chan event
	closing  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the event loop.
	phase    phase
	loopPC   *webrtc.PeerConnection
	early    []realtime.Envelope
	pending  []webrtc.ICECandidateInit
	negTimer *time.Timer
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	ID           string    `json:"session_id"`
	Role         string    `json:"role"`
	RemoteLabel  string    `json:"remote_label"`
	State        State     `json:"state"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
	StartedAt    time.Time `json:"started_at"`
}

// NewSession creates a session for sessionID. Nothing is acquired until
// Start; the transport must not be shared with another session.
func NewSession(sessionID, remoteLabel string, cfg Config, media MediaSource, tr realtime.Transport) *Session {
	s := &Session{
		id:          sessionID,
		remoteLabel: remoteLabel,
		cfg:         cfg,
		media:       media,
		tr:          tr,
		state:       StateNew,
		senders:     make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		local:       make(map[webrtc.RTPCodecType]LocalTrack),
		enabled: map[webrtc.RTPCodecType]bool{
			webrtc.RTPCodecTypeAudio: true,
			webrtc.RTPCodecTypeVideo: true,
		},
		events:  make(chan event, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteLabel() string { return s.remoteLabel }

// OnStateChange sets the handler for connection state transitions. Set it
// before Start.
func (s *Session) OnStateChange(fn func(State)) {
	s.cbMu.Lock()
	s.onStateChange = fn
	s.cbMu.Unlock()
}

func (s *Session) OnError(fn func(error)) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

func (s *Session) OnRemoteTrack(fn func(RemoteTrack)) {
	s.cbMu.Lock()
	s.onRemoteTrack = fn
	s.cbMu.Unlock()
}

// State returns the last state emitted.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has stopped and emitted its final state.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastError returns the most recent error reported through OnError.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) AudioEnabled() bool { return s.isEnabled(webrtc.RTPCodecTypeAudio) }

func (s *Session) VideoEnabled() bool { return s.isEnabled(webrtc.RTPCodecTypeVideo) }

func (s *Session) isEnabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	role := proto.RoleReceiver
	if s.initiator {
		role = proto.RoleInitiator
	}
	return SessionStatus{
		ID:           s.id,
		Role:         role,
		RemoteLabel:  s.remoteLabel,
		State:        s.state,
		AudioEnabled: s.enabled[webrtc.RTPCodecTypeAudio],
		VideoEnabled: s.enabled[webrtc.RTPCodecTypeVideo],
		StartedAt:    s.startedAt,
	}
}

// Start acquires local media, builds the peer connection, opens the
// signaling channel and hands negotiation to the event loop. It returns
// once the channel is open; connection progress is reported through
// OnStateChange. Failures are returned and also reported through OnError,
// with everything acquired so far released.
func (s *Session) Start(ctx context.Context, initiator bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.initiator = initiator
	s.startedAt = time.Now()
	notify := s.notifyStart
	s.mu.Unlock()

	if notify != nil {
		notify(s.Status())
	}

	role := proto.RoleReceiver
	if initiator {
		role = proto.RoleInitiator
	}
	log.Infof("[%s] starting as %s, remote %q", s.id, role, s.remoteLabel)

	// Local media
	tracks, err := s.acquire(ctx)
	if err != nil {
		return s.fail(err)
	}
	if !s.adopt(func() { s.tracks = tracks }) {
		closeTracks(tracks)
		return ErrStopped
	}

	// Peer connection
	api, err := newAPI(s.cfg, s.media)
	if err != nil {
		return s.fail(fmt.Errorf("webrtc api: %w", err))
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.iceServers()})
	if err != nil {
		return s.fail(fmt.Errorf("new peer connection: %w", err))
	}
	if !s.adopt(func() { s.pc = pc }) {
		_ = pc.Close()
		return ErrStopped
	}

	for _, t := range tracks {
		if err := s.attach(pc, t); err != nil {
			return s.fail(err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		env, err := candidateEnvelope(c.ToJSON())
		if err != nil {
			return
		}
		if err := s.tr.Send(env); err != nil {
			log.Debugf("[%s] send candidate: %v", s.id, err)
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.enqueue(event{kind: evPeerState, pcState: st})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := RemoteTrack{
			Track:    track,
			Receiver: receiver,
			RequestKeyframe: func() error {
				return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			},
		}
		s.enqueue(event{kind: evRemoteTrack, track: rt})
	})

	// Signaling channel
	s.tr.OnMessage(func(env realtime.Envelope) {
		s.enqueue(event{kind: evSignal, env: env})
	})
	octx, cancel := s.untilStopped(ctx)
	err = s.tr.Open(octx, s.id)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		}
		return s.fail(err)
	}
	if s.isStopped() {
		_ = s.tr.Close()
		return ErrStopped
	}

	s.enqueue(event{kind: evBegin, initiator: initiator, pc: pc})
	return nil
}

// untilStopped derives a context that also ends when the session is
// stopped. Blocking steps of Start run under it so Stop never waits on them.
func (s *Session) untilStopped(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-cctx.Done():
		}
	}()
	return cctx, cancel
}

// acquire runs the media source, abandoning it when ctx ends or the
// session is stopped.
func (s *Session) acquire(ctx context.Context) ([]LocalTrack, error) {
	actx, cancel := s.untilStopped(ctx)
	defer cancel()

	tracks, err := s.media.Acquire(actx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, classifyCaptureError(err)
	}
	return tracks, nil
}

// adopt stores freshly acquired resources unless the session was stopped
// meanwhile, in which case the caller still owns them.
func (s *Session) adopt(store func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	store()
	return true
}

func (s *Session) attach(pc *webrtc.PeerConnection, t LocalTrack) error {
	sender, err := pc.AddTrack(t)
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	go drainRTCP(sender)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[t.Kind()] = sender
	s.local[t.Kind()] = t
	if !s.enabled[t.Kind()] {
		// Toggled off before the call was up.
		if err := sender.ReplaceTrack(nil); err != nil {
			log.Warnf("[%s] disable %s: %v", s.id, t.Kind(), err)
		}
	}
	return nil
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fail aborts Start: everything acquired is released and err goes to the
// error callback.
func (s *Session) fail(err error) error {
	if s.isStopped() {
		return ErrStopped
	}
	s.release()
	log.Warnf("[%s] start failed: %v", s.id, err)
	s.enqueue(event{kind: evError, err: err})
	return err
}

// ToggleVideo enables or disables the local video track in place. The
// connection is not renegotiated and the track is not recreated; a
// disabled sender simply carries no media.
func (s *Session) ToggleVideo(enabled bool) error {
	return s.toggle(webrtc.RTPCodecTypeVideo, enabled)
}

// ToggleAudio enables or disables the local audio track in place.
func (s *Session) ToggleAudio(enabled bool) error {
	return s.toggle(webrtc.RTPCodecTypeAudio, enabled)
}

func (s *Session) toggle(kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	prev := s.enabled[kind]
	if prev == enabled {
		return nil
	}
	s.enabled[kind] = enabled

	sender := s.senders[kind]
	if sender == nil {
		// Applied when the track is attached.
		return nil
	}
	var err error
	if enabled {
		err = sender.ReplaceTrack(s.local[kind])
	} else {
		err = sender.ReplaceTrack(nil)
	}
	if err != nil {
		s.enabled[kind] = prev
		return fmt.Errorf("toggle %s: %w", kind, err)
	}
	log.Infof("[%s] %s enabled=%v", s.id, kind, enabled)
	return nil
}

// Stop stops local tracks, closes the peer connection and then the
// signaling channel. Safe from any state, before Start completes and
// repeatedly.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		close(s.closing)
		s.release()
		log.Infof("[%s] stopped", s.id)
	})
}

func (s *Session) release() {
	s.mu.Lock()
	tracks, pc := s.tracks, s.pc
	s.tracks, s.pc = nil, nil
	s.senders = make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
	s.local = make(map[webrtc.RTPCodecType]LocalTrack)
	s.mu.Unlock()

	closeTracks(tracks)
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("[%s] close peer connection: %v", s.id, err)
		}
	}
	if err := s.tr.Close(); err != nil {
		log.Debugf("[%s] close transport: %v", s.id, err)
	}
}

func closeTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Debugf("close %s track: %v", t.Kind(), err)
		}
	}
}

// enqueue hands an event to the loop. After Stop events are dropped.
func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			s.finish()
			return
		case ev := <-s.events:
			select {
			case <-s.closing:
				if ev.kind == evError {
					s.reportError(ev.err)
				}
				s.finish()
				return
			default:
			}
			s.handle(ev)
		}
	}
}

// finish runs once on the loop after Stop: pending errors are still
// reported, then closed is emitted if the call got anywhere.
func (s *Session) finish() {
drain:
	for {
		select {
		case ev := <-s.events:
			if ev.kind == evError {
				s.reportError(ev.err)
			}
		default:
			break drain
		}
	}

	s.stopNegotiationTimer()
	s.phase = phaseClosed
	if st := s.State(); st != StateNew && st != StateClosed {
		s.emit(StateClosed)
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evBegin:
		s.begin(ev.pc, ev.initiator)
	case evSignal:
		if s.phase == phaseIdle {
			// Arrived between opening the channel and the loop taking over.
			s.early = append(s.early, ev.env)
			return
		}
		s.handleSignal(ev.env)
	case evPeerState:
		s.handlePeerState(ev.pcState)
	case evRemoteTrack:
		log.Infof("[%s] remote %s track %s", s.id, ev.track.Kind(), ev.track.Track.ID())
		if fn := s.trackHandler(); fn != nil {
			fn(ev.track)
		}
	case evError:
		s.reportError(ev.err)
	case evNegotiationTimeout:
		if st := s.State(); st == StateConnected || st.Terminal() {
			return
		}
		log.Warnf("[%s] not connected after %s", s.id, s.cfg.NegotiationTimeout)
		s.failCall(ErrNegotiationTimeout)
	}
}

func (s *Session) begin(pc *webrtc.PeerConnection, initiator bool) {
	s.loopPC = pc
	s.startNegotiationTimer()

	if initiator {
		s.emit(StateConnecting)
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			s.failCall(fmt.Errorf("create offer: %w", err))
			return
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			s.failCall(fmt.Errorf("set local offer: %w", err))
			return
		}
		s.movePhase(phaseHaveLocalOffer)
		s.send(offer)
	} else {
		s.movePhase(phaseAwaitingOffer)
		s.emit(StateConnecting)
	}

	early := s.early
	s.early = nil
	for _, env := range early {
		s.handleSignal(env)
	}
}

func (s *Session) handleSignal(env realtime.Envelope) {
	if !s.phase.accepts(env.Type) {
		s.reject(&NegotiationError{Signal: env.Type, Reason: "unexpected in phase " + s.phase.String()})
		return
	}

	switch env.Type {
	case proto.TypeOffer:
		s.handleOffer(env)
	case proto.TypeAnswer:
		s.handleAnswer(env)
	case proto.TypeICECandidate:
		s.handleCandidate(env)
	}
}

func (s *Session) handleOffer(env realtime.Envelope) {
	pc := s.loopPC
	desc, err := decodeDescription(env, webrtc.SDPTypeOffer)
	if err != nil {
		s.reject(err)
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		s.reject(&NegotiationError{Signal: env.Type, Reason: "set remote description", Err: err})
		return
	}
	s.flushCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.failCall(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.failCall(fmt.Errorf("set local answer: %w", err))
		return
	}
	s.movePhase(phaseStable)
	s.send(answer)
}

func (s *Session) handleAnswer(env realtime.Envelope) {
	desc, err := decodeDescription(env, webrtc.SDPTypeAnswer)
	if err != nil {
		s.reject(err)
		return
	}
	if err := s.loopPC.SetRemoteDescription(desc); err != nil {
		s.reject(&NegotiationError{Signal: env.Type, Reason: "set remote description", Err: err})
		return
	}
	s.flushCandidates()
	s.movePhase(phaseStable)
}

func (s *Session) handleCandidate(env realtime.Envelope) {
	c, err := decodeCandidate(env)
	if err != nil {
		s.reject(err)
		return
	}
	if s.loopPC.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		log.Debugf("[%s] buffered candidate (%d pending)", s.id, len(s.pending))
		return
	}
	if err := s.loopPC.AddICECandidate(c); err != nil {
		s.reject(&NegotiationError{Signal: env.Type, Reason: "add candidate", Err: err})
	}
}

// flushCandidates applies candidates that arrived before the remote
// description, in arrival order.
func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.loopPC.AddICECandidate(c); err != nil {
			s.reject(&NegotiationError{Signal: proto.TypeICECandidate, Reason: "add buffered candidate", Err: err})
		}
	}
	if len(pending) > 0 {
		log.Debugf("[%s] applied %d buffered candidates", s.id, len(pending))
	}
}

func (s *Session) send(desc webrtc.SessionDescription) {
	env, err := descriptionEnvelope(desc)
	if err != nil {
		s.failCall(err)
		return
	}
	if err := s.tr.Send(env); err != nil {
		// The call cannot progress until the channel is back, but it has
		// not failed.
		s.reportError(fmt.Errorf("send %s: %w: %w", env.Type, ErrSignalNotSent, err))
	}
}

func (s *Session) handlePeerState(st webrtc.PeerConnectionState) {
	var next State
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		next = StateConnecting
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		next = StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		next = StateFailed
	default:
		// new never follows a later state; closed is emitted by finish.
		return
	}

	cur := s.State()
	if cur.Terminal() || cur == next {
		return
	}
	if next == StateConnected {
		s.stopNegotiationTimer()
	}
	s.emit(next)
	if next == StateFailed {
		s.stopNegotiationTimer()
		s.reportError(ErrConnectivityFailure)
	}
}

func (s *Session) failCall(err error) {
	s.reportError(err)
	if !s.State().Terminal() {
		s.emit(StateFailed)
	}
	s.stopNegotiationTimer()
}

func (s *Session) movePhase(to phase) {
	if !s.phase.canMove(to) {
		log.Warnf("[%s] illegal phase change %s -> %s", s.id, s.phase, to)
		return
	}
	log.Debugf("[%s] phase %s -> %s", s.id, s.phase, to)
	s.phase = to
}

func (s *Session) reject(err error) {
	log.Warnf("[%s] ignoring signal: %v", s.id, err)
}

func (s *Session) startNegotiationTimer() {
	if s.cfg.NegotiationTimeout <= 0 {
		return
	}
	s.negTimer = time.AfterFunc(s.cfg.NegotiationTimeout, func() {
		s.enqueue(event{kind: evNegotiationTimeout})
	})
}

func (s *Session) stopNegotiationTimer() {
	if s.negTimer != nil {
		s.negTimer.Stop()
		s.negTimer = nil
	}
}

func (s *Session) emit(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	log.Infof("[%s] state %s", s.id, st)
	s.cbMu.RLock()
	fn := s.onStateChange
	s.cbMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (s *Session) reportError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.cbMu.RLock()
	fn := s.onError
	s.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) trackHandler() func(RemoteTrack) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onRemoteTrack
}
