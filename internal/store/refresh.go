package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Refresh tokens are stateless JWTs, but the server tracks their ids so a
// single refresh token can be revoked before its natural expiry. The set is
// durable and pruned opportunistically on read.

// AddRefreshToken records an issued refresh token id.
func (s *Store) AddRefreshToken(tokenID, clientID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO refresh_tokens (token_id, client_id, expires_at)
		VALUES (?, ?, ?)`,
		tokenID, clientID, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record refresh token %s: %w", tokenID, err)
	}
	return nil
}

// HasRefreshToken reports whether tokenID is a live, tracked refresh token.
func (s *Store) HasRefreshToken(tokenID string, now time.Time) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRow(`SELECT expires_at FROM refresh_tokens WHERE token_id = ?`,
		tokenID).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up refresh token %s: %w", tokenID, err)
	}
	if now.Unix() >= expiresAt {
		_, _ = s.db.Exec(`DELETE FROM refresh_tokens WHERE token_id = ?`, tokenID)
		return false, nil
	}
	return true, nil
}

// DeleteRefreshToken drops a single refresh token id from the set.
func (s *Store) DeleteRefreshToken(tokenID string) error {
	_, err := s.db.Exec(`DELETE FROM refresh_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token %s: %w", tokenID, err)
	}
	return nil
}

// DeleteRefreshTokensForClient drops every refresh token for clientID, used
// when a license is revoked or deactivated.
func (s *Store) DeleteRefreshTokensForClient(clientID string) error {
	_, err := s.db.Exec(`DELETE FROM refresh_tokens WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete refresh tokens for %s: %w", clientID, err)
	}
	return nil
}
