package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Signer handles HMAC-SHA256 signing and verification for audit events so
// tampering with the stored log is detectable.
type Signer struct {
	key []byte // 32-byte HMAC signing key
}

// NewSigner creates a signer, loading or generating the HMAC key stored
// owner-only in dataDir.
func NewSigner(dataDir string) (*Signer, error) {
	keyPath := filepath.Join(dataDir, ".audit-signing.key")

	if raw, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(string(raw))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("invalid audit signing key in %s", keyPath)
		}
		log.Debug().Msg("Loaded existing audit signing key")
		return &Signer{key: key}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate audit signing key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory for audit signing key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save audit signing key: %w", err)
	}

	log.Info().Msg("Generated new audit signing key")
	return &Signer{key: key}, nil
}

// Sign computes the hex HMAC-SHA256 signature over the event's canonical
// form.
func (s *Signer) Sign(event Event) string {
	if s.key == nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(s.canonicalForm(event)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if the event's signature matches its content.
func (s *Signer) Verify(event Event) bool {
	if s.key == nil || event.Signature == "" {
		return false
	}
	expected := s.Sign(event)
	return hmac.Equal([]byte(expected), []byte(event.Signature))
}

// canonicalForm is a deterministic string representation for signing.
// Format: ID|Timestamp(Unix)|EventType|ClientID|Actor|IP|Success(0/1)|Severity|Payload
func (s *Signer) canonicalForm(event Event) string {
	success := "0"
	if event.Success {
		success = "1"
	}
	return event.ID + "|" +
		strconv.FormatInt(event.Timestamp.Unix(), 10) + "|" +
		event.EventType + "|" +
		event.ClientID + "|" +
		event.Actor + "|" +
		event.IP + "|" +
		success + "|" +
		event.Severity + "|" +
		event.Payload
}
