package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/carecall/internal/realtime"

	"github.com/stretchr/testify/require"
)

type memJournal struct {
	mu      sync.Mutex
	started []string
	ended   map[string]string
}

func (j *memJournal) CallStarted(id, role, label string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, id+"/"+role+"/"+label)
	return nil
}

func (j *memJournal) CallEnded(id, state, _ string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ended == nil {
		j.ended = map[string]string{}
	}
	j.ended[id] = state
	return nil
}

func (j *memJournal) endedState(id string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ended[id]
}

func newTestManager(hub *realtime.Hub, j Journal) *Manager {
	return NewManager(Options{
		Transports: func() (realtime.Transport, error) { return hub.Transport(""), nil },
		Media:      SyntheticSource{},
		Config:     testConfig,
		Journal:    j,
	})
}

func TestManagerRejectsDuplicateSession(t *testing.T) {
	req := require.New(t)
	m := newTestManager(realtime.NewHub(), nil)
	defer m.Close()

	first, err := m.NewSession("appt-1", "patient")
	req.NoError(err)

	_, err = m.NewSession("appt-1", "patient")
	req.ErrorIs(err, ErrSessionExists)

	_, err = m.NewSession("bad/id", "")
	req.Error(err)

	// Once the first one is done the id is free again
	first.Stop()
	<-first.Done()
	req.Eventually(func() bool {
		_, ok := m.Session("appt-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.NewSession("appt-1", "patient")
	req.NoError(err)
}

func TestManagerJournalsCalls(t *testing.T) {
	req := require.New(t)
	j := &memJournal{}
	m := newTestManager(realtime.NewHub(), j)

	sess, err := m.NewSession("appt-2", "Dr. Lee")
	req.NoError(err)
	req.NoError(sess.Start(context.Background(), true))

	statuses := m.Sessions()
	req.Len(statuses, 1)
	req.Equal("appt-2", statuses[0].ID)

	req.NoError(m.Hangup("appt-2"))
	req.Error(m.Hangup("missing"))

	req.Eventually(func() bool { return j.endedState("appt-2") == string(StateClosed) },
		2*time.Second, 10*time.Millisecond)
	req.Equal([]string{"appt-2/initiator/Dr. Lee"}, j.started)

	m.Close()
	m.Close()
	_, err = m.NewSession("appt-3", "")
	req.ErrorIs(err, ErrManagerClosed)
}

func TestManagerUsesCurrentConfig(t *testing.T) {
	req := require.New(t)
	hub := realtime.NewHub()
	cfg := testConfig()
	cfg.NegotiationTimeout = 100 * time.Millisecond

	m := NewManager(Options{
		Transports: func() (realtime.Transport, error) { return hub.Transport(""), nil },
		Media:      SyntheticSource{},
		Config:     func() Config { return cfg },
	})
	defer m.Close()

	sess, err := m.NewSession("appt-4", "")
	req.NoError(err)
	rec := record(sess)
	req.NoError(sess.Start(context.Background(), true))
	rec.waitState(t, StateFailed)
}
