package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists missions in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the mission database at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS missions (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		team_name       TEXT NOT NULL,
		external_id     TEXT NOT NULL,
		subject         TEXT NOT NULL,
		assignee        TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL,
		state_history   TEXT NOT NULL DEFAULT '[]',
		started_at      INTEGER,
		completed_at    INTEGER,
		source          TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		UNIQUE (conversation_id, team_name, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_missions_team ON missions(conversation_id, team_name);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const missionColumns = `id, conversation_id, team_name, external_id, subject, assignee, state,
	state_history, started_at, completed_at, source, created_at, updated_at`

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions
		WHERE conversation_id = ? AND team_name = ? AND external_id = ?`,
		key.ConversationID, key.TeamName, key.ExternalID)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}
	return m, nil
}

// Upsert writes m keyed on its natural key. The internal id and creation
// time of an existing row are kept.
func (s *SQLiteStore) Upsert(ctx context.Context, m *Mission) error {
	history, err := json.Marshal(m.StateHistory)
	if err != nil {
		return fmt.Errorf("failed to encode state history: %w", err)
	}
	if m.StateHistory == nil {
		history = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO missions (`+missionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, team_name, external_id) DO UPDATE SET
			subject       = excluded.subject,
			assignee      = excluded.assignee,
			state         = excluded.state,
			state_history = excluded.state_history,
			started_at    = excluded.started_at,
			completed_at  = excluded.completed_at,
			source        = excluded.source,
			updated_at    = excluded.updated_at
	`,
		m.ID, m.ConversationID, m.TeamName, m.ExternalID, m.Subject, m.Assignee, string(m.State),
		string(history), nullTime(m.StartedAt), nullTime(m.CompletedAt), m.Source,
		m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Mission, error) {
	var where []string
	var args []any
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.TeamName != "" {
		where = append(where, "team_name = ?")
		args = append(args, filter.TeamName)
	}
	query := `SELECT ` + missionColumns + ` FROM missions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, conversation_id, team_name, external_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	var out []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTeam(ctx context.Context, conversationID, teamName string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM missions WHERE conversation_id = ? AND team_name = ?`, conversationID, teamName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete team missions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM missions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation missions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMission(row scanner) (*Mission, error) {
	var (
		m                      Mission
		state, history         string
		startedAt, completedAt sql.NullInt64
		createdAt, updatedAt   int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TeamName, &m.ExternalID, &m.Subject, &m.Assignee,
		&state, &history, &startedAt, &completedAt, &m.Source, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.State = State(state)
	if err := json.Unmarshal([]byte(history), &m.StateHistory); err != nil {
		return nil, fmt.Errorf("decode state history: %w", err)
	}
	m.StartedAt = fromNull(startedAt)
	m.CompletedAt = fromNull(completedAt)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &m, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
