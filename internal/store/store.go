// Package store persists license state in SQLite: the license collection,
// the revocation list, the warn-flag set, per-license activity rings, and
// the server-side refresh-token set.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/keyline-io/keyline/internal/license"
)

// Store is the durable keyed map behind the license service. Writers are
// serialized per client_id by the callers' keyed locks plus SQLite's single
// writer connection; readers observe committed snapshots.
type Store struct {
	db     *sql.DB
	dbPath string

	revocations *revocationCache
	keys        *keyMutex
}

// Open creates or opens licenses.db under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "licenses.db")

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open license database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		dbPath: dbPath,
		keys:   newKeyMutex(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	cache, err := loadRevocations(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load revocation list: %w", err)
	}
	s.revocations = cache

	log.Info().Str("dbPath", dbPath).Int("revoked", cache.size()).Msg("License store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		client_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		status TEXT NOT NULL,
		active_modules TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_check INTEGER,
		last_activity INTEGER,
		max_users INTEGER NOT NULL,
		company_name TEXT,
		contact_email TEXT,
		current_token_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);
	CREATE INDEX IF NOT EXISTS idx_licenses_expires ON licenses(expires_at);

	CREATE TABLE IF NOT EXISTS revocations (
		token_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		revoked_at INTEGER NOT NULL,
		reason TEXT NOT NULL,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS warn_flags (
		client_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		set_at INTEGER NOT NULL,
		PRIMARY KEY (client_id, level)
	);

	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		ip TEXT,
		meta TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_activity_client ON activity_log(client_id, id);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refresh_client ON refresh_tokens(client_id);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close license database: %w", err)
	}
	return nil
}

// LockClient acquires the per-client writer lock and returns its release
// function. All read-modify-write sequences on one client_id go through this.
func (s *Store) LockClient(clientID string) func() {
	return s.keys.lock(clientID)
}

// Get returns the license for clientID, or license.ErrNotFound.
func (s *Store) Get(clientID string) (*license.License, error) {
	row := s.db.QueryRow(`
		SELECT client_id, plan, status, active_modules, expires_at, created_at,
		       updated_at, last_check, last_activity, max_users, company_name,
		       contact_email, current_token_id
		FROM licenses WHERE client_id = ?`, clientID)
	lic, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	return lic, err
}

// Put upserts a license record. Record invariants are re-checked here as
// defense in depth; the service is the primary enforcer.
func (s *Store) Put(l *license.License) error {
	if err := l.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to persist invalid license %s: %w", l.ClientID, err)
	}

	modules, err := json.Marshal(l.ActiveModules)
	if err != nil {
		return fmt.Errorf("failed to encode modules: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO licenses (client_id, plan, status, active_modules, expires_at,
			created_at, updated_at, last_check, last_activity, max_users,
			company_name, contact_email, current_token_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			plan = excluded.plan,
			status = excluded.status,
			active_modules = excluded.active_modules,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			last_check = excluded.last_check,
			last_activity = excluded.last_activity,
			max_users = excluded.max_users,
			company_name = excluded.company_name,
			contact_email = excluded.contact_email,
			current_token_id = excluded.current_token_id`,
		l.ClientID, string(l.Plan), string(l.Status), string(modules),
		l.ExpiresAt.Unix(), l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
		nullableUnix(l.LastCheck), nullableUnix(l.LastActivity), l.MaxUsers,
		l.CompanyName, l.ContactEmail, l.CurrentTokenID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert license %s: %w", l.ClientID, err)
	}
	return nil
}

// Delete removes a license record and its warn flags, activity, and refresh
// tokens. Returns license.ErrNotFound if no record exists.
func (s *Store) Delete(clientID string) error {
	res, err := s.db.Exec(`DELETE FROM licenses WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete license %s: %w", clientID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return license.ErrNotFound
	}
	_, _ = s.db.Exec(`DELETE FROM warn_flags WHERE client_id = ?`, clientID)
	_, _ = s.db.Exec(`DELETE FROM activity_log WHERE client_id = ?`, clientID)
	_, _ = s.db.Exec(`DELETE FROM refresh_tokens WHERE client_id = ?`, clientID)
	return nil
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	Status license.Status
	Plan   license.Plan
	Page   int // 1-based
	Limit  int
}

// List returns a page of licenses plus the total match count.
func (s *Store) List(filter ListFilter) ([]*license.License, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Plan != "" {
		where += " AND plan = ?"
		args = append(args, string(filter.Plan))
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM licenses"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count licenses: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := `
		SELECT client_id, plan, status, active_modules, expires_at, created_at,
		       updated_at, last_check, last_activity, max_users, company_name,
		       contact_email, current_token_id
		FROM licenses` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var out []*license.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, lic)
	}
	return out, total, rows.Err()
}

// FindExpiredActive returns all records with status=active whose expiry is in
// the past relative to now. Each call reads one committed snapshot.
func (s *Store) FindExpiredActive(now time.Time) ([]*license.License, error) {
	rows, err := s.db.Query(`
		SELECT client_id, plan, status, active_modules, expires_at, created_at,
		       updated_at, last_check, last_activity, max_users, company_name,
		       contact_email, current_token_id
		FROM licenses WHERE status = ? AND expires_at < ?`,
		string(license.StatusActive), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// FindExpiringWithin returns active licenses expiring within the given number
// of days whose warn flag for that level has not been set yet.
func (s *Store) FindExpiringWithin(now time.Time, days int) ([]*license.License, error) {
	deadline := now.Add(time.Duration(days) * 24 * time.Hour)
	rows, err := s.db.Query(`
		SELECT l.client_id, l.plan, l.status, l.active_modules, l.expires_at,
		       l.created_at, l.updated_at, l.last_check, l.last_activity,
		       l.max_users, l.company_name, l.contact_email, l.current_token_id
		FROM licenses l
		LEFT JOIN warn_flags w ON w.client_id = l.client_id AND w.level = ?
		WHERE l.status = ? AND l.expires_at > ? AND l.expires_at <= ?
		  AND w.client_id IS NULL`,
		days, string(license.StatusActive), now.Unix(), deadline.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// GCExpired deletes licenses that have sat in status=expired with an expiry
// older than before. Returns the deleted client ids.
func (s *Store) GCExpired(before time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT client_id FROM licenses WHERE status = ? AND expires_at < ?`,
		string(license.StatusExpired), before.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query gc candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.Delete(id); err != nil && !errors.Is(err, license.ErrNotFound) {
			return nil, err
		}
	}
	return ids, nil
}

// Stats holds aggregate license counts.
type Stats struct {
	Total         int                    `json:"total"`
	ByStatus      map[license.Status]int `json:"by_status"`
	ByPlan        map[license.Plan]int   `json:"by_plan"`
	RevokedTokens int                    `json:"revoked_tokens"`
}

// Stats returns counts by status and plan.
func (s *Store) Stats() (Stats, error) {
	out := Stats{
		ByStatus: make(map[license.Status]int),
		ByPlan:   make(map[license.Plan]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return out, fmt.Errorf("failed to aggregate by status: %w", err)
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return out, err
		}
		out.ByStatus[license.Status(st)] = n
		out.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = s.db.Query(`SELECT plan, COUNT(*) FROM licenses GROUP BY plan`)
	if err != nil {
		return out, fmt.Errorf("failed to aggregate by plan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return out, err
		}
		out.ByPlan[license.Plan(p)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var l license.License
	var plan, status, modules string
	var expiresAt, createdAt, updatedAt int64
	var lastCheck, lastActivity sql.NullInt64
	var company, email, tokenID sql.NullString

	err := row.Scan(&l.ClientID, &plan, &status, &modules, &expiresAt,
		&createdAt, &updatedAt, &lastCheck, &lastActivity, &l.MaxUsers,
		&company, &email, &tokenID)
	if err != nil {
		return nil, err
	}

	l.Plan = license.Plan(plan)
	l.Status = license.Status(status)
	if err := json.Unmarshal([]byte(modules), &l.ActiveModules); err != nil {
		return nil, fmt.Errorf("failed to decode modules for %s: %w", l.ClientID, err)
	}
	if l.ActiveModules == nil {
		l.ActiveModules = []string{}
	}
	l.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastCheck.Valid {
		l.LastCheck = time.Unix(lastCheck.Int64, 0).UTC()
	}
	if lastActivity.Valid {
		l.LastActivity = time.Unix(lastActivity.Int64, 0).UTC()
	}
	l.CompanyName = company.String
	l.ContactEmail = email.String
	l.CurrentTokenID = tokenID.String
	return &l, nil
}

func collectLicenses(rows *sql.Rows) ([]*license.License, error) {
	var out []*license.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

func nullableUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
