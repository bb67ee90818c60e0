package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/tracing"
	"github.com/harun/tata/pkg/agent"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// SQLiteConfig configures the sqlite store.
type SQLiteConfig struct {
	Path string
	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// SQLiteStore is a Store backed by a single sqlite database.
type SQLiteStore struct {
	db    *sql.DB
	loads singleflight.Group
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("Session store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			state TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

		CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, id);

		CREATE TABLE IF NOT EXISTS drafts (
			session_id TEXT NOT NULL,
			draft_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_by TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, draft_id, version)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) observe(ctx context.Context, op, sessionID string) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session."+op,
		attribute.String("session_id", sessionID))
	start := time.Now()
	return ctx, func(err error) {
		observability.RecordStoreOp(op, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Save upserts the session row and records changed drafts.
func (s *SQLiteStore) Save(ctx context.Context, sessionID string, snap Snapshot) (err error) {
	ctx, done := s.observe(ctx, "save", sessionID)
	defer func() { done(err) }()

	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	state := snap.State
	if state == nil {
		state = agent.NewState("")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	status := snap.Status
	if status == "" {
		status = DeriveStatus(state)
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE sessions.user_id END,
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		sessionID, snap.UserID, string(status), string(data), now, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if err := appendDrafts(ctx, tx, sessionID, state.DraftOutputs, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	s.loads.Forget(sessionID)
	return nil
}

// Load returns the session snapshot or nil when it does not exist. Concurrent
// loads of one session share a single query; each caller gets its own copy
// of the state.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (snap *Snapshot, err error) {
	ctx, done := s.observe(ctx, "load", sessionID)
	defer func() { done(err) }()

	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	// the query is shared, so one caller going away must not fail the others
	loadCtx := context.WithoutCancel(ctx)
	v, err, shared := s.loads.Do(sessionID, func() (interface{}, error) {
		return s.load(loadCtx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	loaded, _ := v.(*Snapshot)
	if loaded == nil {
		return nil, nil
	}
	if shared {
		log.Debug().Str("session_id", sessionID).Msg("Shared concurrent session load")
	}

	out := *loaded
	out.State = loaded.State.Clone()
	out.Drafts = make(map[string]Draft, len(loaded.Drafts))
	for k, d := range loaded.Drafts {
		out.Drafts[k] = d
	}
	return &out, nil
}

func (s *SQLiteStore) load(ctx context.Context, sessionID string) (*Snapshot, error) {
	var (
		snap      Snapshot
		status    string
		data      string
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, state, created_at, updated_at FROM sessions WHERE id = ?`, sessionID).
		Scan(&snap.SessionID, &snap.UserID, &status, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	snap.Status = Status(status)
	snap.CreatedAt = time.UnixMilli(createdAt)
	snap.UpdatedAt = time.UnixMilli(updatedAt)

	state := agent.NewState("")
	if err := json.Unmarshal([]byte(data), state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if state.DraftOutputs == nil {
		state.DraftOutputs = map[string]string{}
	}

	drafts, err := s.latestDrafts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for id, d := range drafts {
		state.DraftOutputs[id] = d.Content
	}
	snap.State = state
	snap.Drafts = drafts
	return &snap, nil
}

func (s *SQLiteStore) latestDrafts(ctx context.Context, sessionID string) (map[string]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.draft_id, d.content, d.created_by, d.version, d.updated_at
		FROM drafts d
		JOIN (SELECT draft_id, MAX(version) AS version FROM drafts WHERE session_id = ? GROUP BY draft_id) m
			ON d.draft_id = m.draft_id AND d.version = m.version
		WHERE d.session_id = ?`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load drafts: %w", err)
	}
	defer rows.Close()

	drafts := map[string]Draft{}
	for rows.Next() {
		var d Draft
		var updatedAt int64
		if err := rows.Scan(&d.ID, &d.Content, &d.CreatedBy, &d.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		d.UpdatedAt = time.UnixMilli(updatedAt)
		drafts[d.ID] = d
	}
	return drafts, rows.Err()
}

// AppendMessage adds a row to the message log. A message identical in role
// and content to the last stored row of the session is skipped.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) (err error) {
	ctx, done := s.observe(ctx, "append_message", sessionID)
	defer func() { done(err) }()

	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastRole, lastContent string
	err = tx.QueryRowContext(ctx,
		`SELECT role, content FROM session_messages WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID).
		Scan(&lastRole, &lastContent)
	switch {
	case err == nil && lastRole == role && lastContent == content:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read last message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`,
		sessionID, now, now); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, content, string(meta), now); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// Messages returns the message log in insertion order. Stored ai and
// ai_pause roles map onto the assistant role.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) (msgs []StoredMessage, err error) {
	ctx, done := s.observe(ctx, "messages", sessionID)
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, metadata, created_at FROM session_messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m StoredMessage
		var meta string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RawRole, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = agent.ParseRole(m.RawRole)
		m.CreatedAt = time.UnixMilli(createdAt)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				log.Warn().Err(err).Int64("message_id", m.ID).Msg("Skipping invalid message metadata")
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendDrafts records drafts whose content differs from their latest
// stored version.
func (s *SQLiteStore) AppendDrafts(ctx context.Context, sessionID string, drafts map[string]string) (err error) {
	ctx, done := s.observe(ctx, "append_drafts", sessionID)
	defer func() { done(err) }()

	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendDrafts(ctx, tx, sessionID, drafts, s.now().UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drafts: %w", err)
	}
	s.loads.Forget(sessionID)
	return nil
}

func appendDrafts(ctx context.Context, tx *sql.Tx, sessionID string, drafts map[string]string, now int64) error {
	for id, content := range drafts {
		var version int
		var latest string
		err := tx.QueryRowContext(ctx,
			`SELECT version, content FROM drafts WHERE session_id = ? AND draft_id = ? ORDER BY version DESC LIMIT 1`,
			sessionID, id).Scan(&version, &latest)
		switch {
		case err == nil && latest == content:
			continue
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to read draft %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO drafts (session_id, draft_id, content, created_by, version, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, id, content, DraftCreator(id), version+1, now); err != nil {
			return fmt.Errorf("failed to save draft %s: %w", id, err)
		}
	}
	return nil
}

// ListSessions returns sessions ordered by most recent update. An empty
// userID lists every session.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) (infos []Info, err error) {
	ctx, done := s.observe(ctx, "list", "")
	defer func() { done(err) }()

	query := `
		SELECT s.id, s.user_id, s.status, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM session_messages m WHERE m.session_id = s.id)
		FROM sessions s`
	var args []interface{}
	if userID != "" {
		query += ` WHERE s.user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY s.updated_at DESC, s.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var info Info
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&info.ID, &info.UserID, &status, &createdAt, &updatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.Status = Status(status)
		info.CreatedAt = time.UnixMilli(createdAt)
		info.UpdatedAt = time.UnixMilli(updatedAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteSession removes a session with its messages and drafts.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (err error) {
	ctx, done := s.observe(ctx, "delete", sessionID)
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSessions(ctx, tx, []string{sessionID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.loads.Forget(sessionID)
	return nil
}

// DeleteCompletedBefore removes completed sessions last updated before
// cutoff and returns how many were removed.
func (s *SQLiteStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (n int, err error) {
	ctx, done := s.observe(ctx, "cleanup", "")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = ? AND updated_at < ?`, string(StatusCompleted), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSessions(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	for _, id := range ids {
		s.loads.Forget(id)
	}
	return len(ids), nil
}

func deleteSessions(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		for _, q := range []string{
			`DELETE FROM session_messages WHERE session_id = ?`,
			`DELETE FROM drafts WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to delete session %s: %w", id, err)
			}
		}
	}
	return nil
}
