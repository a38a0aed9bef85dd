package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// SQLiteStore keeps conversation history and the blocked-conversation table in one database.
type SQLiteStore struct {
	db         *sql.DB
	fetchLimit int
}

var (
	_ Store               = &SQLiteStore{}
	_ relay.MutablePolicy = &SQLiteStore{}
)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite history store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for concurrent readers.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite history store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// SetFetchLimit caps Fetch to the latest n messages. n <= 0 returns everything.
func (s *SQLiteStore) SetFetchLimit(n int) {
	if s == nil {
		return
	}
	s.fetchLimit = n
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
		  id TEXT PRIMARY KEY,
		  conversation TEXT NOT NULL,
		  sender_id TEXT NOT NULL,
		  receiver_id TEXT NOT NULL,
		  kind TEXT NOT NULL,
		  sender_name TEXT NOT NULL DEFAULT '',
		  role TEXT NOT NULL DEFAULT '',
		  text TEXT NOT NULL DEFAULT '',
		  image TEXT NOT NULL DEFAULT '',
		  sent_at_ns INTEGER NOT NULL,
		  stored_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation
		  ON messages(conversation, sent_at_ns);`,
		`CREATE TABLE IF NOT EXISTS blocked_conversations (
		  conversation TEXT PRIMARY KEY,
		  blocked_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite history store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, env envelope.Envelope) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(env.ID) == "" {
		return errors.New("sqlite history store: envelope id is empty")
	}
	key, err := envelope.KeyFor(env.SenderID, env.ReceiverID)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: invalid envelope")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation, sender_id, receiver_id, kind, sender_name, role, text, image,
			sent_at_ns, stored_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, env.ID, key.String(), env.SenderID, env.ReceiverID, string(env.Kind), env.SenderName, env.Role,
		env.Text, env.Image, env.SentAt.UnixNano(), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite history store: append")
	}
	return nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, a, b string) ([]envelope.Envelope, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key, err := envelope.KeyFor(a, b)
	if err != nil {
		return nil, err
	}
	limit := s.fetchLimit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, kind, sender_name, role, text, image, sent_at_ns
		FROM (
			SELECT rowid AS rid, * FROM messages
			WHERE conversation = ?
			ORDER BY sent_at_ns DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY sent_at_ns ASC, rid ASC
	`, key.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store: fetch")
	}
	defer func() { _ = rows.Close() }()

	out := []envelope.Envelope{}
	for rows.Next() {
		var (
			env    envelope.Envelope
			kind   string
			sentNs int64
		)
		if err := rows.Scan(&env.ID, &env.SenderID, &env.ReceiverID, &kind, &env.SenderName, &env.Role,
			&env.Text, &env.Image, &sentNs); err != nil {
			return nil, errors.Wrap(err, "sqlite history store: scan message")
		}
		env.Kind = envelope.Kind(kind)
		env.SentAt = time.Unix(0, sentNs).UTC()
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history store: iterate messages")
	}
	return out, nil
}

func (s *SQLiteStore) IsBlocked(ctx context.Context, key envelope.ConversationKey) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blocked_conversations WHERE conversation = ?`, key.String()).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "sqlite history store: check blocked")
	}
	return n > 0, nil
}

func (s *SQLiteStore) Block(ctx context.Context, key envelope.ConversationKey) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_conversations (conversation, blocked_at_ms) VALUES (?, ?)
		ON CONFLICT(conversation) DO NOTHING
	`, key.String(), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite history store: block")
	}
	return nil
}

func (s *SQLiteStore) Unblock(ctx context.Context, key envelope.ConversationKey) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocked_conversations WHERE conversation = ?`, key.String()); err != nil {
		return errors.Wrap(err, "sqlite history store: unblock")
	}
	return nil
}
