package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrFailedMessageNotFound is returned when no archived message matches.
var ErrFailedMessageNotFound = errors.New("store: failed message not found")

// FailedMessage is one dead-lettered delivery preserved for inspection and
// replay.
type FailedMessage struct {
	ID          string
	OriginQueue string
	MessageID   string
	Body        []byte
	Reason      string
	RetryCount  int
	FailedAt    time.Time
	ReplayedAt  *time.Time
}

// FailedMessageStore archives dead-lettered messages.
type FailedMessageStore interface {
	Save(ctx context.Context, msg FailedMessage) (string, error)
	Get(ctx context.Context, id string) (FailedMessage, error)
	// List returns archived messages, newest first. Limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]FailedMessage, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	Close() error
}

const failedMessageSchema = `
CREATE TABLE IF NOT EXISTS failed_messages (
	id           TEXT PRIMARY KEY,
	origin_queue TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	body         BLOB NOT NULL,
	reason       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL,
	failed_at    TIMESTAMP NOT NULL,
	replayed_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_failed_messages_failed_at ON failed_messages (failed_at DESC);
`

// SQLiteFailedMessageStore is a FailedMessageStore backed by an embedded
// SQLite database.
type SQLiteFailedMessageStore struct {
	db *sql.DB
}

// NewSQLiteFailedMessageStore opens (and migrates) the archive at path.
// Use ":memory:" for an ephemeral archive.
func NewSQLiteFailedMessageStore(path string) (*SQLiteFailedMessageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open failed-message archive at %s: %w", path, err)
	}
	// The driver multiplexes poorly across connections for in-memory and
	// file databases alike; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(failedMessageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to migrate failed-message archive: %w", err)
	}
	return &SQLiteFailedMessageStore{db: db}, nil
}

// Save implements FailedMessageStore. A zero ID is assigned.
func (s *SQLiteFailedMessageStore) Save(ctx context.Context, msg FailedMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.FailedAt.IsZero() {
		msg.FailedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_messages (id, origin_queue, message_id, body, reason, retry_count, failed_at, replayed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.OriginQueue, msg.MessageID, msg.Body, msg.Reason, msg.RetryCount, msg.FailedAt, msg.ReplayedAt)
	if err != nil {
		return "", fmt.Errorf("store: failed to archive message %s: %w", msg.MessageID, err)
	}
	return msg.ID, nil
}

// Get implements FailedMessageStore.
func (s *SQLiteFailedMessageStore) Get(ctx context.Context, id string) (FailedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, origin_queue, message_id, body, reason, retry_count, failed_at, replayed_at
		 FROM failed_messages WHERE id = ?`, id)

	msg, err := scanFailedMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedMessage{}, fmt.Errorf("%w: %s", ErrFailedMessageNotFound, id)
	}
	if err != nil {
		return FailedMessage{}, fmt.Errorf("store: failed to load archived message %s: %w", id, err)
	}
	return msg, nil
}

// List implements FailedMessageStore.
func (s *SQLiteFailedMessageStore) List(ctx context.Context, limit int) ([]FailedMessage, error) {
	query := `SELECT id, origin_queue, message_id, body, reason, retry_count, failed_at, replayed_at
		 FROM failed_messages ORDER BY failed_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list archived messages: %w", err)
	}
	defer rows.Close()

	var out []FailedMessage
	for rows.Next() {
		msg, err := scanFailedMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan archived message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to list archived messages: %w", err)
	}
	return out, nil
}

// MarkReplayed implements FailedMessageStore.
func (s *SQLiteFailedMessageStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_messages SET replayed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("store: failed to mark message %s replayed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrFailedMessageNotFound, id)
	}
	return nil
}

// Delete implements FailedMessageStore.
func (s *SQLiteFailedMessageStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: failed to delete archived message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrFailedMessageNotFound, id)
	}
	return nil
}

// Close implements FailedMessageStore.
func (s *SQLiteFailedMessageStore) Close() error {
	return s.db.Close()
}

func scanFailedMessage(scan func(dest ...any) error) (FailedMessage, error) {
	var msg FailedMessage
	var replayedAt sql.NullTime
	err := scan(&msg.ID, &msg.OriginQueue, &msg.MessageID, &msg.Body,
		&msg.Reason, &msg.RetryCount, &msg.FailedAt, &replayedAt)
	if err != nil {
		return FailedMessage{}, err
	}
	if replayedAt.Valid {
		t := replayedAt.Time
		msg.ReplayedAt = &t
	}
	return msg, nil
}
