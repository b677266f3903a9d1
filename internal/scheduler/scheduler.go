// Package scheduler runs the periodic license sweeps: hourly expiry
// enforcement, daily expiry warnings per configured window, weekly garbage
// collection of long-expired records, and a monthly aggregate report on the
// admin topic.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/bus"
	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/licensing"
	"github.com/keyline-io/keyline/internal/store"
	"github.com/keyline-io/keyline/pkg/audit"
)

const (
	expireInterval = 1 * time.Hour
	gcInterval     = 7 * 24 * time.Hour

	// gcAge is how long an expired record lingers before collection.
	gcAge = 90 * 24 * time.Hour
)

// Config configures the scheduler.
type Config struct {
	// WarnLevels are days-before-expiry thresholds, one daily sweep each.
	WarnLevels []int

	// WarnAt is the local wall-clock hour the daily warn sweeps fire.
	WarnAt int

	// Location is the timezone for wall-clock cadences.
	Location *time.Location

	Clock ids.Clock
}

// Scheduler drives the periodic sweeps. All mutations go through the service
// so its idempotence guarantees (status preconditions, the warn-flag set)
// make repeated firing safe.
type Scheduler struct {
	svc   *licensing.Service
	store *store.Store
	bus   *bus.Bus
	clock ids.Clock

	warnLevels []int
	warnAt     int
	loc        *time.Location

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler.
func New(svc *licensing.Service, b *bus.Bus, cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = ids.SystemClock{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	levels := cfg.WarnLevels
	if len(levels) == 0 {
		levels = []int{7, 3, 1}
	}
	sorted := append([]int{}, levels...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	return &Scheduler{
		svc:        svc,
		store:      svc.Store(),
		bus:        b,
		clock:      clock,
		warnLevels: sorted,
		warnAt:     cfg.WarnAt,
		loc:        loc,
	}
}

// Start launches the sweep loops. Stop cancels them.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	// Catch up on anything that expired while the server was down.
	s.ExpireSweep()

	s.wg.Add(4)
	go s.loopInterval(ctx, expireInterval, s.ExpireSweep)
	go s.loopDaily(ctx, s.WarnSweepAll)
	go s.loopInterval(ctx, gcInterval, s.GCSweep)
	go s.loopMonthly(ctx, s.MonthlyReport)

	log.Info().
		Ints("warnLevels", s.warnLevels).
		Str("timezone", s.loc.String()).
		Msg("Scheduler started")
}

// Stop cancels the sweep loops and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loopInterval(ctx context.Context, interval time.Duration, sweep func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// loopDaily fires sweep once per day at the configured local hour.
func (s *Scheduler) loopDaily(ctx context.Context, sweep func()) {
	defer s.wg.Done()

	for {
		now := s.clock.Now().In(s.loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), s.warnAt, 0, 0, 0, s.loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			sweep()
		}
	}
}

// loopMonthly fires sweep at midnight local time on the first of each month.
func (s *Scheduler) loopMonthly(ctx context.Context, sweep func()) {
	defer s.wg.Done()

	for {
		now := s.clock.Now().In(s.loc)
		next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc).AddDate(0, 1, 0)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			sweep()
		}
	}
}

// ExpireSweep transitions every active license past its deadline to expired.
// Idempotent: Expire is a no-op for anything not in active status.
func (s *Scheduler) ExpireSweep() {
	now := s.clock.Now()
	expired, err := s.store.FindExpiredActive(now)
	if err != nil {
		log.Error().Err(err).Msg("Expire sweep query failed")
		return
	}

	for _, lic := range expired {
		if _, err := s.svc.Expire(lic.ClientID); err != nil {
			log.Error().Err(err).Str("client", lic.ClientID).Msg("Failed to expire license")
		}
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("Expire sweep transitioned licenses")
	}
}

// WarnSweepAll runs one warn sweep per configured level, widest window first.
func (s *Scheduler) WarnSweepAll() {
	for _, level := range s.warnLevels {
		s.WarnSweep(level)
	}
}

// WarnSweep warns every active license expiring within the given number of
// days that has not been warned for that window yet. The warn-flag set makes
// repeated firing emit nothing.
func (s *Scheduler) WarnSweep(days int) {
	now := s.clock.Now()
	expiring, err := s.store.FindExpiringWithin(now, days)
	if err != nil {
		log.Error().Err(err).Int("days", days).Msg("Warn sweep query failed")
		return
	}

	for _, lic := range expiring {
		if err := s.store.SetWarnFlag(lic.ClientID, days, now); err != nil {
			log.Error().Err(err).Str("client", lic.ClientID).Msg("Failed to set warn flag")
			continue
		}

		remaining := lic.DaysRemaining(now)
		s.bus.Publish(bus.Event{
			Type:     bus.TypeExpiryWarning,
			ClientID: lic.ClientID,
			Payload: map[string]interface{}{
				"urgency":        urgency(days),
				"days_remaining": remaining,
				"expires_at":     lic.ExpiresAt,
			},
			Topics: []string{
				bus.TopicLicense(lic.ClientID),
				bus.TopicAdmin,
			},
			Timestamp: now,
		})
		s.auditSweep(lic.ClientID, fmt.Sprintf("warn window=%dd days_remaining=%d", days, remaining))
	}
	if len(expiring) > 0 {
		log.Info().Int("count", len(expiring)).Int("days", days).Msg("Warn sweep published expiry warnings")
	}
}

// GCSweep deletes records that have sat in expired status past the GC age.
func (s *Scheduler) GCSweep() {
	before := s.clock.Now().Add(-gcAge)
	deleted, err := s.store.GCExpired(before)
	if err != nil {
		log.Error().Err(err).Msg("GC sweep failed")
		return
	}
	for _, id := range deleted {
		s.auditSweep(id, "gc deleted expired license")
	}
	if len(deleted) > 0 {
		log.Info().Int("count", len(deleted)).Msg("GC sweep deleted expired licenses")
	}
}

// MonthlyReport publishes aggregate license counts to the admin topic.
func (s *Scheduler) MonthlyReport() {
	stats, err := s.store.Stats()
	if err != nil {
		log.Error().Err(err).Msg("Monthly report aggregation failed")
		return
	}

	now := s.clock.Now()
	s.bus.Publish(bus.Event{
		Type: bus.TypeSystemNotification,
		Payload: map[string]interface{}{
			"report":    "monthly",
			"total":     stats.Total,
			"by_status": stats.ByStatus,
			"by_plan":   stats.ByPlan,
		},
		Topics:    []string{bus.TopicAdmin},
		Timestamp: now,
	})
	s.auditSweep("", fmt.Sprintf("monthly report total=%d", stats.Total))
	log.Info().Int("total", stats.Total).Msg("Monthly report published")
}

func urgency(days int) string {
	switch {
	case days <= 1:
		return "critical"
	case days <= 3:
		return "high"
	default:
		return "normal"
	}
}

func (s *Scheduler) auditSweep(clientID, payload string) {
	ev := audit.Event{
		ID:        ids.NewAuditID(s.clock.Now()),
		Timestamp: s.clock.Now(),
		EventType: audit.KindScheduler,
		ClientID:  clientID,
		Actor:     "system",
		Success:   true,
		Severity:  audit.SeverityLow,
		Payload:   payload,
	}
	if err := audit.GetLogger().Log(ev); err != nil {
		log.Error().Err(err).Msg("Failed to write scheduler audit event")
	}
}
