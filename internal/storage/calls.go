package storage

import (
	"fmt"
	"time"
)

// CallRow represents a row from the _calls table. EndedAt is empty while
// the call is live.
type CallRow struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	Role        string `json:"role"`
	RemoteLabel string `json:"remote_label"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	StartedAt   string `json:"started_at"`
	EndedAt     string `json:"ended_at,omitempty"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CallStarted opens a journal row for a call attempt.
func (d *DB) CallStarted(sessionID, role, remoteLabel string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO _calls (session_id, role, remote_label, state, started_at) VALUES (?, ?, ?, 'connecting', ?)`,
		sessionID, role, remoteLabel, stamp(at),
	)
	if err != nil {
		return fmt.Errorf("journal call start: %w", err)
	}
	return nil
}

// CallEnded closes the most recent open row for sessionID.
func (d *DB) CallEnded(sessionID, finalState, lastErr string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		UPDATE _calls SET state = ?, last_error = ?, ended_at = ?
		WHERE id = (SELECT MAX(id) FROM _calls WHERE session_id = ? AND ended_at = '')`,
		finalState, lastErr, stamp(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("journal call end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal call end: no open call for %s", sessionID)
	}
	return nil
}

// ListCalls returns the newest calls first. limit <= 0 means 100.
func (d *DB) ListCalls(limit int) ([]CallRow, error) {
	if limit <= 0 {
		limit = 100
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, session_id, role, remote_label, state, last_error, started_at, ended_at
		FROM _calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRow
	for rows.Next() {
		var c CallRow
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Role, &c.RemoteLabel, &c.State, &c.LastError, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CallsForSession returns every attempt recorded for sessionID, oldest first.
func (d *DB) CallsForSession(sessionID string) ([]CallRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, session_id, role, remote_label, state, last_error, started_at, ended_at
		FROM _calls WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRow
	for rows.Next() {
		var c CallRow
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Role, &c.RemoteLabel, &c.State, &c.LastError, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CloseDangling marks calls left open by a previous run as ended. It
// returns how many rows were touched.
func (d *DB) CloseDangling(at time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(
		`UPDATE _calls SET state = 'closed', last_error = 'process exited', ended_at = ? WHERE ended_at = ''`,
		stamp(at),
	)
	if err != nil {
		return 0, fmt.Errorf("close dangling calls: %w", err)
	}
	return res.RowsAffected()
}
