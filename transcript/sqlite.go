package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/source"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

func init() {
	module.Register(module.KindContext, "context-sqlite", func(cfg map[string]any, _ module.Deps) (any, error) {
		return NewSQLite(func(o *SQLiteOptions) {
			if path, ok := cfg["path"].(string); ok && path != "" {
				o.Path = path
			}
		})
	})
}

// SQLiteOptions configure the persistent context manager.
type SQLiteOptions struct {
	// Path is the database file. Defaults to transcripts.db under the braid
	// home directory.
	Path string
}

// SQLite persists transcripts in a SQLite database so a session id reused
// across processes restores its conversation. Messages are stored as
// JSON-encoded Content ordered by a per-session ordinal.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) the transcript database and runs
// migrations.
func NewSQLite(optFns ...func(o *SQLiteOptions)) (*SQLite, error) {
	opts := SQLiteOptions{
		Path: filepath.Join(source.Home(), "transcripts.db"),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("transcript: create data dir: %w", err)
	}

	db, err := openDB("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("transcript: pragma %q: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT    NOT NULL,
			ordinal    INTEGER NOT NULL,
			content    TEXT    NOT NULL,
			created_at TEXT    NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			UNIQUE (session_id, ordinal)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ordinal);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add appends content to the session transcript.
func (s *SQLite) Add(ctx context.Context, sessionID string, content core.Content) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("transcript: encode content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transcript: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id) VALUES (?)`, sessionID,
	); err != nil {
		return fmt.Errorf("transcript: upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, ordinal, content)
		 VALUES (?, (SELECT COALESCE(MAX(ordinal) + 1, 0) FROM messages WHERE session_id = ?), ?)`,
		sessionID, sessionID, string(encoded),
	); err != nil {
		return fmt.Errorf("transcript: insert message: %w", err)
	}

	return tx.Commit()
}

// Messages returns the stored transcript for the session in ordinal order.
func (s *SQLite) Messages(ctx context.Context, sessionID string) ([]core.Content, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM messages WHERE session_id = ? ORDER BY ordinal`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("transcript: query messages: %w", err)
	}
	defer rows.Close()

	var out []core.Content
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, err
		}
		var content core.Content
		if err := json.Unmarshal([]byte(encoded), &content); err != nil {
			return nil, fmt.Errorf("transcript: decode content: %w", err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// Clear drops the session transcript and its session row.
func (s *SQLite) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transcript: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("transcript: clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("transcript: clear session: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

var _ core.ContextManager = (*SQLite)(nil)
