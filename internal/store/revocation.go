package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// RevocationEntry records the invalidation of a single token id for the
// remainder of its natural lifetime.
type RevocationEntry struct {
	TokenID     string    `json:"token_id"`
	ClientID    string    `json:"client_id"`
	RevokedAt   time.Time `json:"revoked_at"`
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
}

// revocationCache keeps the full revocation list in memory for the read path.
// It is write-through: Revoke persists first, then updates the map.
type revocationCache struct {
	mu      sync.RWMutex
	entries map[string]RevocationEntry
}

func loadRevocations(db *sql.DB) (*revocationCache, error) {
	rows, err := db.Query(`SELECT token_id, client_id, revoked_at, reason, description FROM revocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cache := &revocationCache{entries: make(map[string]RevocationEntry)}
	for rows.Next() {
		var e RevocationEntry
		var revokedAt int64
		var desc sql.NullString
		if err := rows.Scan(&e.TokenID, &e.ClientID, &revokedAt, &e.Reason, &desc); err != nil {
			return nil, err
		}
		e.RevokedAt = time.Unix(revokedAt, 0).UTC()
		e.Description = desc.String
		cache.entries[e.TokenID] = e
	}
	return cache, rows.Err()
}

func (c *revocationCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Revoke appends tokenID to the revocation list. Idempotent: a duplicate
// token_id fails silently and keeps the original entry.
func (s *Store) Revoke(tokenID, clientID, reason, description string, at time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("token id is required")
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO revocations (token_id, client_id, revoked_at, reason, description)
		VALUES (?, ?, ?, ?, ?)`,
		tokenID, clientID, at.Unix(), reason, description)
	if err != nil {
		return fmt.Errorf("failed to persist revocation for %s: %w", tokenID, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil // already revoked
	}

	s.revocations.mu.Lock()
	s.revocations.entries[tokenID] = RevocationEntry{
		TokenID:     tokenID,
		ClientID:    clientID,
		RevokedAt:   at.UTC(),
		Reason:      reason,
		Description: description,
	}
	s.revocations.mu.Unlock()
	return nil
}

// IsRevoked reports whether tokenID appears on the revocation list.
func (s *Store) IsRevoked(tokenID string) (RevocationEntry, bool) {
	s.revocations.mu.RLock()
	defer s.revocations.mu.RUnlock()
	e, ok := s.revocations.entries[tokenID]
	return e, ok
}

// RevocationCount returns the size of the revocation list.
func (s *Store) RevocationCount() int {
	return s.revocations.size()
}
