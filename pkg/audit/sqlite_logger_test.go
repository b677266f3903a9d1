package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-io/keyline/internal/ids"
)

func newTestLogger(t *testing.T) *SQLiteLogger {
	t.Helper()
	l, err := NewSQLiteLogger(SQLiteLoggerConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testEvent(kind string, ts time.Time) Event {
	return Event{
		ID:        ids.NewAuditID(ts),
		Timestamp: ts,
		EventType: kind,
		ClientID:  "client-1",
		Actor:     "admin",
		IP:        "10.0.0.1",
		Success:   true,
		Severity:  SeverityLow,
		Payload:   "plan=premium",
	}
}

func TestLogAndQuery(t *testing.T) {
	l := newTestLogger(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Log(testEvent(KindCreation, now)))
	require.NoError(t, l.Log(testEvent(KindValidation, now.Add(time.Minute))))

	events, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, KindValidation, events[0].EventType)
	assert.Equal(t, KindCreation, events[1].EventType)
	assert.Equal(t, "client-1", events[0].ClientID)
	assert.True(t, events[0].Success)
	assert.NotEmpty(t, events[0].Signature)
}

func TestQueryFilters(t *testing.T) {
	l := newTestLogger(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Log(testEvent(KindCreation, now)))

	failed := testEvent(KindValidation, now.Add(time.Hour))
	failed.Success = false
	failed.Severity = SeverityMedium
	failed.ClientID = "client-2"
	failed.Actor = "client"
	require.NoError(t, l.Log(failed))

	byType, err := l.Query(QueryFilter{EventType: KindValidation})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "client-2", byType[0].ClientID)

	byClient, err := l.Query(QueryFilter{ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, byClient, 1)
	assert.Equal(t, KindCreation, byClient[0].EventType)

	start := now.Add(30 * time.Minute)
	byTime, err := l.Query(QueryFilter{StartTime: &start})
	require.NoError(t, err)
	require.Len(t, byTime, 1)
	assert.Equal(t, KindValidation, byTime[0].EventType)

	success := false
	byOutcome, err := l.Query(QueryFilter{Success: &success})
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.False(t, byOutcome[0].Success)

	byActor, err := l.Query(QueryFilter{Actor: "admin"})
	require.NoError(t, err)
	assert.Len(t, byActor, 1)
}

func TestQueryPagination(t *testing.T) {
	l := newTestLogger(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(testEvent(KindValidation, now.Add(time.Duration(i)*time.Minute))))
	}

	page, err := l.Query(QueryFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	total, err := l.Count(QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestSignatureDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Log(testEvent(KindRevocation, now)))
	events, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.True(t, l.VerifySignature(events[0]))

	tampered := events[0]
	tampered.Payload = "plan=enterprise"
	assert.False(t, l.VerifySignature(tampered))

	unsigned := events[0]
	unsigned.Signature = ""
	assert.False(t, l.VerifySignature(unsigned))
}

func TestEventsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	l, err := NewSQLiteLogger(SQLiteLoggerConfig{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Log(testEvent(KindCreation, now)))
	require.NoError(t, l.Close())

	// The signing key persists with the database, so old signatures still
	// verify after a restart.
	l, err = NewSQLiteLogger(SQLiteLoggerConfig{DataDir: dir})
	require.NoError(t, err)
	defer l.Close()

	events, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, l.VerifySignature(events[0]))
}

func TestConsoleLoggerFallback(t *testing.T) {
	SetLogger(nil)
	l := GetLogger()
	require.NotNil(t, l)
	assert.NoError(t, l.Log(Event{EventType: KindSystemError, Severity: SeverityLow}))

	// Console backend is not queryable.
	events, err := l.Query(QueryFilter{})
	assert.NoError(t, err)
	assert.Empty(t, events)
}
