// Package surface is the presentation side of a call. It turns user intent
// (start, hang up, mute) into session calls and reduces session callbacks to
// a small set of views a UI can render. It owns no protocol logic.
package surface

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/carecall/internal/call"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("surface")

// View is what the user should be looking at.
type View string

const (
	ViewConnecting View = "connecting"
	ViewLive       View = "live"
	ViewError      View = "error"
	ViewEnded      View = "ended"
)

// Session is the part of a call session the surface drives. *call.Session
// implements it.
type Session interface {
	ID() string
	Start(ctx context.Context, initiator bool) error
	Stop()
	ToggleAudio(enabled bool) error
	ToggleVideo(enabled bool) error
	OnStateChange(fn func(call.State))
	OnError(fn func(error))
	OnRemoteTrack(fn func(call.RemoteTrack))
	Done() <-chan struct{}
}

// Update is a snapshot of a call as shown to the user.
type Update struct {
	SessionID    string        `json:"session_id"`
	RemoteLabel  string        `json:"remote_label"`
	View         View          `json:"view"`
	State        call.State    `json:"state"`
	Error        string        `json:"error,omitempty"`
	AudioEnabled bool          `json:"audio_enabled"`
	VideoEnabled bool          `json:"video_enabled"`
	Remote       []RemoteMedia `json:"remote,omitempty"`
	At           time.Time     `json:"at"`
}

// Call binds one session to the user. End is the only way the session is
// stopped, and it stops it exactly once.
type Call struct {
	sess  Session
	label string

	mu    sync.Mutex
	cur   Update
	sinks []*sink
	subs  map[chan Update]struct{}

	startOnce sync.Once
	endOnce   sync.Once
	ended     chan struct{}
}

// New wires the session callbacks. Call Start to begin.
func New(sess Session, remoteLabel string) *Call {
	c := &Call{
		sess:  sess,
		label: remoteLabel,
		subs:  make(map[chan Update]struct{}),
		ended: make(chan struct{}),
		cur: Update{
			SessionID:    sess.ID(),
			RemoteLabel:  remoteLabel,
			View:         ViewConnecting,
			State:        call.StateNew,
			AudioEnabled: true,
			VideoEnabled: true,
		},
	}
	sess.OnStateChange(c.handleState)
	sess.OnError(c.handleError)
	sess.OnRemoteTrack(c.handleTrack)
	return c
}

func (c *Call) ID() string { return c.sess.ID() }

// Start starts the session. The call ends by itself when ctx is cancelled,
// which is how navigating away is modelled; a failed start ends it too.
func (c *Call) Start(ctx context.Context, initiator bool) error {
	err := errors.New("call already started")
	c.startOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
				c.End()
			case <-c.ended:
			}
		}()

		err = c.sess.Start(ctx, initiator)
		if err != nil {
			log.Warnf("[%s] start: %v", c.sess.ID(), err)
			// The session reports it too, but possibly after we return.
			c.handleError(err)
			c.End()
		}
	})
	return err
}

// End hangs up. Safe from any goroutine, any number of times.
func (c *Call) End() {
	c.endOnce.Do(func() {
		log.Infof("[%s] ending call", c.sess.ID())
		c.sess.Stop()
		close(c.ended)
		go c.finish()
	})
}

// finish waits for the session's last callbacks, then shows ended unless
// the call already shows an error, and closes subscribers.
func (c *Call) finish() {
	<-c.sess.Done()

	c.mu.Lock()
	if c.cur.View != ViewError {
		c.cur.View = ViewEnded
	}
	c.cur.At = time.Now()
	c.broadcastLocked()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()
}

// Ended is closed once End has been called.
func (c *Call) Ended() <-chan struct{} { return c.ended }

func (c *Call) ToggleAudio(enabled bool) error {
	if err := c.sess.ToggleAudio(enabled); err != nil {
		return err
	}
	c.update(func(u *Update) { u.AudioEnabled = enabled })
	return nil
}

func (c *Call) ToggleVideo(enabled bool) error {
	if err := c.sess.ToggleVideo(enabled); err != nil {
		return err
	}
	c.update(func(u *Update) { u.VideoEnabled = enabled })
	return nil
}

// Current returns the latest update.
func (c *Call) Current() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel of updates. The channel is closed when the
// call has finished or cancel is called.
func (c *Call) Subscribe() (ch chan Update, cancel func()) {
	ch = make(chan Update, 16)

	c.mu.Lock()
	select {
	case <-c.sess.Done():
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	default:
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	cancel = func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Call) handleState(st call.State) {
	c.update(func(u *Update) {
		u.State = st
		if v := viewFor(st); v != ViewEnded || u.View != ViewError {
			u.View = v
		}
	})
}

func (c *Call) handleError(err error) {
	fatal := isFatal(err)
	c.update(func(u *Update) {
		u.Error = err.Error()
		if fatal {
			u.View = ViewError
		}
	})
}

func (c *Call) handleTrack(t call.RemoteTrack) {
	s := newSink(t, c.onSinkBound)

	c.mu.Lock()
	c.sinks = append(c.sinks, s)
	c.mu.Unlock()

	go s.run()
}

func (c *Call) onSinkBound() {
	c.update(func(*Update) {})
}

func (c *Call) update(fn func(*Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.cur)
	c.cur.At = time.Now()
	c.broadcastLocked()
}

func (c *Call) snapshotLocked() Update {
	u := c.cur
	u.Remote = nil
	for _, s := range c.sinks {
		u.Remote = append(u.Remote, s.stats())
	}
	return u
}

func (c *Call) broadcastLocked() {
	u := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case ch <- u:
		default:
			// slow subscriber
		}
	}
}

// viewFor maps a connection state to what the user sees.
func viewFor(st call.State) View {
	switch st {
	case call.StateConnected:
		return ViewLive
	case call.StateDisconnected, call.StateFailed:
		return ViewError
	case call.StateClosed:
		return ViewEnded
	default:
		return ViewConnecting
	}
}

// isFatal reports whether err ends the call attempt, as opposed to a
// transient send failure the call may recover from. A lost signal wraps
// the transport's error but is never fatal.
func isFatal(err error) bool {
	var mae *call.MediaAccessError
	switch {
	case errors.Is(err, call.ErrSignalNotSent):
		return false
	case errors.As(err, &mae):
		return true
	case errors.Is(err, call.ErrTransportUnavailable),
		errors.Is(err, call.ErrConnectivityFailure),
		errors.Is(err, call.ErrNegotiationTimeout):
		return true
	}
	return false
}
