// Package call runs one-to-one WebRTC call sessions using Pion. Signaling
// goes through a realtime.Transport; everything else (media, ICE, state
// reporting) lives here.
package call

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/carecall/internal/realtime"
	"github.com/petervdpas/carecall/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

var ErrManagerClosed = errors.New("call manager closed")

// TransportFactory returns a fresh, unopened signaling transport.
type TransportFactory func() (realtime.Transport, error)

// Journal records call lifecycles. Implemented by storage.DB.
type Journal interface {
	CallStarted(sessionID, role, remoteLabel string, at time.Time) error
	CallEnded(sessionID, finalState, lastErr string, at time.Time) error
}

type Options struct {
	Transports TransportFactory
	Media      MediaSource

	// Config is read for every new session so edits apply to the next call.
	Config func() Config

	Journal Journal // optional
}

// Manager owns the active call sessions of this process, keyed by session id.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(opts Options) *Manager {
	if opts.Config == nil {
		opts.Config = DefaultConfig
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// NewSession creates a session bound to sessionID with its own transport.
// Only one live session per id is allowed; the id becomes free again once
// the previous session is done.
func (m *Manager) NewSession(sessionID, remoteLabel string) (*Session, error) {
	id, err := util.ValidateSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if prev, ok := m.sessions[id]; ok {
		select {
		case <-prev.Done():
		default:
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
	}

	tr, err := m.opts.Transports()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	sess := NewSession(id, remoteLabel, m.opts.Config(), m.opts.Media, tr)
	if j := m.opts.Journal; j != nil {
		sess.notifyStart = func(st SessionStatus) {
			if err := j.CallStarted(st.ID, st.Role, st.RemoteLabel, st.StartedAt); err != nil {
				log.Warnf("[%s] journal start: %v", st.ID, err)
			}
		}
	}
	m.sessions[id] = sess
	go m.watch(sess)

	log.Infof("[%s] session created, remote %q", id, remoteLabel)
	return sess, nil
}

func (m *Manager) watch(sess *Session) {
	<-sess.Done()

	m.mu.Lock()
	if m.sessions[sess.ID()] == sess {
		delete(m.sessions, sess.ID())
	}
	m.mu.Unlock()

	st := sess.Status()
	if m.opts.Journal != nil && !st.StartedAt.IsZero() {
		var lastErr string
		if err := sess.LastError(); err != nil {
			lastErr = err.Error()
		}
		if err := m.opts.Journal.CallEnded(st.ID, string(st.State), lastErr, time.Now()); err != nil {
			log.Warnf("[%s] journal end: %v", st.ID, err)
		}
	}
	log.Debugf("[%s] session removed", sess.ID())
}

// Session returns the live session for sessionID, if any.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	return s, ok
}

// Sessions returns the status of every live session, oldest first.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.RLock()
	out := make([]SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Hangup stops the session for sessionID.
func (m *Manager) Hangup(sessionID string) error {
	s, ok := m.Session(sessionID)
	if !ok {
		return fmt.Errorf("no active session %q", sessionID)
	}
	s.Stop()
	return nil
}

// Close stops every session and waits for each to finish. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(util.DefaultConnectTimeout):
			log.Warnf("[%s] did not finish in time", s.ID())
		}
	}
}
