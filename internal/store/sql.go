// ABOUTME: database/sql implementation of the Store interface shared by SQLite and Postgres
// ABOUTME: Conversation and message queries, scoped transactions and placeholder rebinding

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// timeLayout is fixed-width so that lexical order on the TEXT column equals
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// Open creates a store for the given dialect. For sqlite the dsn is a file
// path, for postgres a connection string.
func Open(dialect, dsn string) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, "":
		return NewSQLiteStore(dsn)
	case DialectPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}
}

// newSQLStore wraps an open handle. Schema creation is the caller's job.
func newSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store", "dialect", dialect),
	}
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying pool for instrumentation.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back on every other path.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	// Rows written by other tools may use plain RFC3339.
	return time.Parse(time.RFC3339Nano, s)
}

// InsertConversation stores a new conversation. CreatedAt is moved just past
// the user's newest conversation when the clock did not advance, so the
// listing order always matches creation order.
func (s *SQLStore) InsertConversation(ctx context.Context, conv *Conversation) error {
	at := conv.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		latest, ok, err := latestCreatedAt(ctx, tx,
			s.rebind(`SELECT COALESCE(MAX(created_at), '') FROM conversations WHERE user_id = ?`),
			conv.UserID)
		if err != nil {
			return err
		}
		if ok && !at.After(latest) {
			at = latest.Add(time.Microsecond)
		}

		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`),
			conv.ID, conv.UserID, conv.Title, formatTime(at))
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	conv.CreatedAt = at
	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID)
	return nil
}

// latestCreatedAt runs a MAX(created_at) query. ok is false when no row matched.
func latestCreatedAt(ctx context.Context, q queryRower, query string, arg any) (time.Time, bool, error) {
	var raw string
	if err := q.QueryRowContext(ctx, query, arg).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("querying latest created_at: %w", err)
	}
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing latest created_at: %w", err)
	}
	return t, true, nil
}

// ConversationOwner returns the owning user id of a conversation.
func (s *SQLStore) ConversationOwner(ctx context.Context, conversationID string) (int64, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT user_id FROM conversations WHERE id = ?`),
		conversationID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying conversation owner: %w", err)
	}
	return owner, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *SQLStore) ListConversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	query := s.rebind(`
		SELECT id, user_id, title, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing conversation created_at: %w", err)
		}
		convs = append(convs, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// SelectMessages returns messages matching q in chronological order.
func (s *SQLStore) SelectMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	where := "conversation_id = ?"
	args := []any{q.ConversationID}

	if len(q.Roles) > 0 {
		var marks []string
		for _, r := range q.Roles {
			for _, v := range r.storedValues() {
				marks = append(marks, "?")
				args = append(args, v)
			}
		}
		where += " AND role IN (" + strings.Join(marks, ", ") + ")"
	}

	var query string
	if q.Limit > 0 {
		// Newest N, then flipped back to chronological order.
		query = `
			SELECT id, conversation_id, role, content, created_at
			FROM (
				SELECT id, conversation_id, role, content, created_at
				FROM messages
				WHERE ` + where + `
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) recent
			ORDER BY created_at ASC, id ASC
		`
		args = append(args, q.Limit)
	} else {
		query = `
			SELECT id, conversation_id, role, content, created_at
			FROM messages
			WHERE ` + where + `
			ORDER BY created_at ASC, id ASC
		`
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if msg.Role, err = ParseRole(role); err != nil {
			return nil, fmt.Errorf("message %d: %w", msg.ID, err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// CountUserMessages counts the user-authored messages in a conversation.
func (s *SQLStore) CountUserMessages(ctx context.Context, conversationID string) (int, error) {
	return countUserMessages(ctx, s.db, s.rebind, conversationID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countUserMessages(ctx context.Context, q queryRower, rebind func(string) string, conversationID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		rebind(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = ?`),
		conversationID, string(RoleUser),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting user messages: %w", err)
	}
	return n, nil
}

// AppendExchange inserts the user message and the answer in one transaction
// and sets the title when the conversation had no user messages yet.
func (s *SQLStore) AppendExchange(ctx context.Context, ex *Exchange) (bool, error) {
	at := ex.At
	if at.IsZero() {
		at = time.Now()
	}

	titled := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := countUserMessages(ctx, tx, s.rebind, ex.ConversationID)
		if err != nil {
			return err
		}

		// Both rows share one timestamp that never precedes an earlier
		// message; the autoincrement id orders rows within it.
		latest, ok, err := latestCreatedAt(ctx, tx,
			s.rebind(`SELECT COALESCE(MAX(created_at), '') FROM messages WHERE conversation_id = ?`),
			ex.ConversationID)
		if err != nil {
			return err
		}
		if ok && at.Before(latest) {
			at = latest
		}
		stamp := formatTime(at)

		insert := s.rebind(`
			INSERT INTO messages (conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?)
		`)
		if _, err := tx.ExecContext(ctx, insert, ex.ConversationID, string(RoleUser), ex.UserContent, stamp); err != nil {
			return fmt.Errorf("inserting user message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, ex.ConversationID, string(RoleAssistant), ex.AnswerContent, stamp); err != nil {
			return fmt.Errorf("inserting assistant message: %w", err)
		}

		if prior == 0 && ex.Title != "" {
			res, err := tx.ExecContext(ctx,
				s.rebind(`UPDATE conversations SET title = ? WHERE id = ?`),
				ex.Title, ex.ConversationID,
			)
			if err != nil {
				return fmt.Errorf("updating title: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
			titled = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.Debug("appended exchange", "conversation_id", ex.ConversationID, "titled", titled)
	return titled, nil
}

// DeleteConversation removes an owned conversation and all of its messages.
func (s *SQLStore) DeleteConversation(ctx context.Context, conversationID string, userID int64) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Messages go first so databases created without ON DELETE CASCADE
		// never see a dangling foreign key.
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM messages
			WHERE conversation_id = ?
			  AND EXISTS (SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)
		`), conversationID, conversationID, userID); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM conversations WHERE id = ? AND user_id = ?`),
			conversationID, userID,
		)
		if err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Debug("deleted conversation", "id", conversationID)
	}
	return removed, nil
}

// Compile-time interface check
var _ Store = (*SQLStore)(nil)
