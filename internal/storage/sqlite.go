package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/leadchat/internal/lead"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the session journal and pending
// challenges.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "leadchat.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// --- Sessions ---

const sessionColumns = `id, conversation_id, source, prompt, max_results, transport, outcome, records, message, started_at, finished_at`

func (s *Store) SaveSession(r SessionRecord) error {
	outcome := r.Outcome
	if outcome == "" {
		outcome = OutcomeRunning
	}
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	var finished sql.NullString
	if !r.FinishedAt.IsZero() {
		finished = sql.NullString{String: formatTime(r.FinishedAt), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, string(r.Source), r.Prompt, r.MaxResults, r.Transport,
		outcome, r.Records, r.Message, formatTime(started), finished,
	)
	return err
}

// FinishSession records the terminal outcome of a running session.
func (s *Store) FinishSession(id, transport, outcome string, records int, message string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET transport = ?, outcome = ?, records = ?, message = ?, finished_at = ?
		WHERE id = ?`,
		transport, outcome, records, message, formatTime(at), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(id string) (SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	r, err := scanSession(row)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	return r, err
}

// ListSessions returns the most recent sessions, newest first. An empty
// conversationID lists all conversations.
func (s *Store) ListSessions(conversationID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if conversationID == "" {
		rows, err = s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? ORDER BY started_at DESC LIMIT ?`, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneSessions deletes finished sessions that started before cutoff.
func (s *Store) PruneSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE outcome != ? AND started_at < ?`, OutcomeRunning, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		r         SessionRecord
		source    string
		startedAt string
		finished  sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ConversationID, &source, &r.Prompt, &r.MaxResults, &r.Transport,
		&r.Outcome, &r.Records, &r.Message, &startedAt, &finished); err != nil {
		return SessionRecord{}, err
	}
	r.Source = lead.Source(source)

	t, err := parseTime(startedAt)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("parsing started_at for session %s: %w", r.ID, err)
	}
	r.StartedAt = t
	if finished.Valid {
		if r.FinishedAt, err = parseTime(finished.String); err != nil {
			return SessionRecord{}, fmt.Errorf("parsing finished_at for session %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// --- Session records ---

// SaveRecords stores the records returned to a session, replacing any
// previously stored set.
func (s *Store) SaveRecords(sessionID string, records []lead.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning records transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_records WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for i, r := range records {
		if _, err := tx.Exec(`
			INSERT INTO session_records (session_id, position, name, phone, address, email, company, website, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, i, r.Name, r.Phone, r.Address, r.Email, r.Company, r.Website, r.Notes,
		); err != nil {
			return fmt.Errorf("inserting record %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetRecords(sessionID string) ([]lead.Record, error) {
	rows, err := s.db.Query(`
		SELECT name, phone, address, email, company, website, notes
		FROM session_records WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []lead.Record{}
	for rows.Next() {
		var r lead.Record
		if err := rows.Scan(&r.Name, &r.Phone, &r.Address, &r.Email, &r.Company, &r.Website, &r.Notes); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Pending challenges ---

// PutChallenge stores the pending challenge of a conversation, replacing
// an older one.
func (s *Store) PutChallenge(ctx context.Context, conversationID string, c lead.ChallengeContext) error {
	req := c.OriginatingRequest
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (conversation_id, session_id, site_key, source, prompt, max_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			session_id = excluded.session_id, site_key = excluded.site_key, source = excluded.source,
			prompt = excluded.prompt, max_results = excluded.max_results, created_at = excluded.created_at`,
		conversationID, c.SessionID, c.ChallengeSiteKey, string(req.Source), req.Prompt, req.MaxResults,
		formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetChallenge(ctx context.Context, conversationID string) (lead.ChallengeContext, error) {
	var (
		c      lead.ChallengeContext
		source string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, site_key, source, prompt, max_results
		FROM challenges WHERE conversation_id = ?`, conversationID,
	).Scan(&c.SessionID, &c.ChallengeSiteKey, &source, &c.OriginatingRequest.Prompt, &c.OriginatingRequest.MaxResults)
	if err == sql.ErrNoRows {
		return lead.ChallengeContext{}, ErrNotFound
	}
	if err != nil {
		return lead.ChallengeContext{}, err
	}
	c.OriginatingRequest.Source = lead.Source(source)
	return c, nil
}

// DeleteChallenge removes a pending challenge. Deleting a missing one is
// not an error.
func (s *Store) DeleteChallenge(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *Store) ListChallenges(ctx context.Context) ([]PendingChallenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, session_id, site_key, source, prompt, max_results, created_at
		FROM challenges ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingChallenge
	for rows.Next() {
		var (
			p         PendingChallenge
			source    string
			createdAt string
		)
		req := &p.Challenge.OriginatingRequest
		if err := rows.Scan(&p.ConversationID, &p.Challenge.SessionID, &p.Challenge.ChallengeSiteKey,
			&source, &req.Prompt, &req.MaxResults, &createdAt); err != nil {
			return nil, err
		}
		req.Source = lead.Source(source)
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for challenge %s: %w", p.ConversationID, err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// PruneChallenges deletes challenges created before cutoff.
func (s *Store) PruneChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
