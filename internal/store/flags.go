package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/keyline-io/keyline/internal/license"
)

// SetWarnFlag marks that the warning for (clientID, level) has been emitted.
// Setting an already-set flag is a no-op, which is what makes the warn sweep
// idempotent across re-fires and restarts.
func (s *Store) SetWarnFlag(clientID string, level int, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO warn_flags (client_id, level, set_at) VALUES (?, ?, ?)`,
		clientID, level, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to set warn flag %s/%d: %w", clientID, level, err)
	}
	return nil
}

// HasWarnFlag reports whether the warning for (clientID, level) was emitted.
func (s *Store) HasWarnFlag(clientID string, level int) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM warn_flags WHERE client_id = ? AND level = ?`,
		clientID, level).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read warn flag %s/%d: %w", clientID, level, err)
	}
	return n > 0, nil
}

// ClearWarnFlags removes all warn flags for clientID. Called on extend so the
// new expiry window can warn again.
func (s *Store) ClearWarnFlags(clientID string) error {
	_, err := s.db.Exec(`DELETE FROM warn_flags WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to clear warn flags for %s: %w", clientID, err)
	}
	return nil
}

// AppendActivity appends one entry to the client's activity ring and evicts
// the oldest entries beyond the ring bound.
func (s *Store) AppendActivity(clientID string, e license.ActivityEntry) error {
	_, err := s.db.Exec(`INSERT INTO activity_log (client_id, ts, kind, ip, meta) VALUES (?, ?, ?, ?, ?)`,
		clientID, e.Timestamp.Unix(), e.Kind, e.IP, e.Meta)
	if err != nil {
		return fmt.Errorf("failed to append activity for %s: %w", clientID, err)
	}

	_, err = s.db.Exec(`
		DELETE FROM activity_log WHERE client_id = ? AND id NOT IN (
			SELECT id FROM activity_log WHERE client_id = ? ORDER BY id DESC LIMIT ?
		)`, clientID, clientID, license.MaxActivityEntries)
	if err != nil {
		return fmt.Errorf("failed to prune activity ring for %s: %w", clientID, err)
	}
	return nil
}

// Activity returns up to limit most-recent activity entries, newest first.
func (s *Store) Activity(clientID string, limit int) ([]license.ActivityEntry, error) {
	if limit <= 0 || limit > license.MaxActivityEntries {
		limit = license.MaxActivityEntries
	}
	rows, err := s.db.Query(`
		SELECT ts, kind, ip, meta FROM activity_log
		WHERE client_id = ? ORDER BY id DESC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []license.ActivityEntry
	for rows.Next() {
		var e license.ActivityEntry
		var ts int64
		var ip, meta sql.NullString
		if err := rows.Scan(&ts, &e.Kind, &ip, &meta); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.IP = ip.String
		e.Meta = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}
