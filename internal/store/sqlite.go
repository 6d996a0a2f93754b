package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gwi.com/article-assistant/internal/session"
)

var _ session.Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// One writer at a time keeps SQLite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        task TEXT NOT NULL,
        title TEXT NOT NULL,
        include_spirit_soul_draft BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS turns (
        session_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        kind TEXT NOT NULL CHECK (kind IN ('prompt', 'draft', 'analysis')),
        content TEXT NOT NULL,
        citations_json TEXT, -- JSON array, drafts only
        timestamp TEXT NOT NULL,
        incomplete BOOLEAN NOT NULL DEFAULT FALSE,
        PRIMARY KEY (session_id, seq),
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// LoadSessions returns every stored session with its history, newest first.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, task, title, include_spirit_soul_draft, created_at FROM sessions ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	byID := make(map[string]*session.Session)
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(&row.ID, &row.Task, &row.Title, &row.IncludeSpiritSoulDraft, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("session %s: bad created_at: %w", row.ID, err)
		}
		sess := &session.Session{
			ID:                     row.ID,
			Task:                   row.Task,
			Title:                  row.Title,
			CreatedAt:              createdAt,
			IncludeSpiritSoulDraft: row.IncludeSpiritSoulDraft,
		}
		sessions = append(sessions, sess)
		byID[sess.ID] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	if err := s.loadTurns(ctx, byID); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, byID map[string]*session.Session) error {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id, seq, kind, content, citations_json, timestamp, incomplete FROM turns ORDER BY session_id, seq ASC")
	if err != nil {
		return fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row turnRow
		if err := rows.Scan(&row.SessionID, &row.Seq, &row.Kind, &row.Content, &row.CitationsJSON, &row.Timestamp, &row.Incomplete); err != nil {
			return fmt.Errorf("failed to scan turn row: %w", err)
		}
		sess, ok := byID[row.SessionID]
		if !ok {
			log.Printf("Warning: turn %d belongs to unknown session %s, skipping", row.Seq, row.SessionID)
			continue
		}
		turn, err := row.toTurn()
		if err != nil {
			return err
		}
		sess.History = append(sess.History, turn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate turns: %w", err)
	}
	return nil
}

// SaveSession upserts the session and replaces its turns in one transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sessions (id, task, title, include_spirit_soul_draft, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            task = excluded.task,
            title = excluded.title,
            include_spirit_soul_draft = excluded.include_spirit_soul_draft`,
		sess.ID, sess.Task, sess.Title, sess.IncludeSpiritSoulDraft, formatTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO turns (session_id, seq, kind, content, citations_json, timestamp, incomplete) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range sess.History {
		row, err := toTurnRow(sess.ID, i, turn)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row.SessionID, row.Seq, row.Kind, row.Content, row.CitationsJSON, row.Timestamp, row.Incomplete); err != nil {
			return fmt.Errorf("failed to execute turn insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session %s not found, nothing deleted", id)
	}
	return tx.Commit()
}
