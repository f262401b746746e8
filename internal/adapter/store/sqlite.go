package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rolechat/internal/domain"
)

// SQLite implements domain.MessageStore on a local SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ domain.MessageStore = (*SQLite)(nil)

// NewSQLite opens (or creates) a SQLite database at dbPath and runs the schema
// migration.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create message db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate message db: %w", err)
	}
	return &SQLite{db: db}, nil
}

// seq orders messages; an upsert keeps the original row and therefore its position.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL DEFAULT '',
			streaming       INTEGER NOT NULL DEFAULT 0,
			server_id       TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AppendOrReplaceMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is empty", domain.ErrInvalidInput)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, type, streaming, server_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			role            = excluded.role,
			content         = excluded.content,
			type            = excluded.type,
			streaming       = excluded.streaming,
			server_id       = excluded.server_id,
			created_at      = excluded.created_at`,
		msg.ID, conversationID, msg.Role, msg.Content, string(msg.Type),
		boolInt(msg.Streaming), msg.ServerID, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert message: %w", domain.ErrStore, err)
	}
	return nil
}

func (s *SQLite) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", content, messageID)
	if err != nil {
		return fmt.Errorf("%w: update content: %w", domain.ErrStore, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	return nil
}

func (s *SQLite) SetStreaming(ctx context.Context, messageID string, streaming bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE messages SET streaming = ? WHERE id = ?", boolInt(streaming), messageID)
	if err != nil {
		return fmt.Errorf("%w: set streaming: %w", domain.ErrStore, err)
	}
	return nil
}

func (s *SQLite) RemoveMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID); err != nil {
		return fmt.Errorf("%w: delete message: %w", domain.ErrStore, err)
	}
	return nil
}

func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, type, streaming, server_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %w", domain.ErrStore, err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Conversations returns the ids of conversations with stored messages, most recently
// written first.
func (s *SQLite) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM messages
		GROUP BY conversation_id ORDER BY MAX(seq) DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: query conversations: %w", domain.ErrStore, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domain.Message, error) {
	var (
		msg       domain.Message
		typ       string
		streaming int
		created   string
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &typ, &streaming, &msg.ServerID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, err
	}
	msg.Type = domain.MessageType(typ)
	msg.Streaming = streaming != 0
	msg.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
	return msg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
