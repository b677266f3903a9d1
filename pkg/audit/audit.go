// Package audit provides the append-only security event log.
//
// Every security-relevant event in the license service — validations,
// lifecycle mutations, admin actions, scheduler transitions — produces
// exactly one audit event. The SQLite logger is the durable production
// backend; ConsoleLogger is the zero-setup fallback that writes to zerolog.
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event kinds.
const (
	KindValidation        = "validation"
	KindCreation          = "creation"
	KindToggle            = "toggle"
	KindExtension         = "extension"
	KindRevocation        = "revocation"
	KindPlanChange        = "plan_change"
	KindModulesUpdate     = "modules_update"
	KindDeletion          = "deletion"
	KindTokenIssue        = "token_issue"
	KindTokenRefresh      = "token_refresh"
	KindScheduler         = "scheduler"
	KindAdminLogin        = "admin_login"
	KindSecurityViolation = "security_violation"
	KindSystemError       = "system_error"
)

// Severity levels.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event"`
	ClientID  string    `json:"client_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Success   bool      `json:"success"`
	Severity  string    `json:"severity"`
	Payload   string    `json:"payload,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	ClientID  string
	StartTime *time.Time
	EndTime   *time.Time
	EventType string
	Actor     string
	Success   *bool
	Limit     int
	Offset    int
}

// Logger is the interface audit backends implement.
type Logger interface {
	// Log records an audit event.
	Log(event Event) error

	// Query retrieves events matching the filter, newest first.
	Query(filter QueryFilter) ([]Event, error)

	// Count returns the number of events matching the filter.
	Count(filter QueryFilter) (int, error)

	// Close releases backend resources.
	Close() error
}

var (
	globalLogger Logger
	loggerMu     sync.RWMutex
)

// SetLogger sets the global audit logger, replacing any previous one.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the current global audit logger, defaulting to console.
func GetLogger() Logger {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewConsoleLogger()
	}
	return globalLogger
}

// Close closes the global audit logger.
func Close() error {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// ConsoleLogger implements Logger by writing to zerolog. Events are not
// queryable from this backend.
type ConsoleLogger struct{}

// NewConsoleLogger creates a console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes an audit event to zerolog.
func (c *ConsoleLogger) Log(event Event) error {
	logEvent := log.With().
		Str("audit_id", event.ID).
		Str("event", event.EventType).
		Str("client_id", event.ClientID).
		Str("actor", event.Actor).
		Str("ip", event.IP).
		Str("severity", event.Severity).
		Time("timestamp", event.Timestamp).
		Str("payload", event.Payload).
		Logger()

	if event.Success {
		logEvent.Info().Msg("Audit event")
	} else {
		logEvent.Warn().Msg("Audit event - FAILED")
	}
	return nil
}

// Query returns an empty slice for the console logger.
func (c *ConsoleLogger) Query(filter QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Count returns zero for the console logger.
func (c *ConsoleLogger) Count(filter QueryFilter) (int, error) {
	return 0, nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}
