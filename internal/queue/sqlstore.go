package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	queue_id         TEXT PRIMARY KEY,
	sender           TEXT NOT NULL,
	recipients       JSONB NOT NULL,
	message_path     TEXT NOT NULL,
	session_info     JSONB NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	next_retry_at    TIMESTAMPTZ,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT,
	recipient_status JSONB NOT NULL,
	lease_expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_next_retry ON queue(next_retry_at)
	WHERE next_retry_at IS NOT NULL;
`

// SQLStore is a Store backed by PostgreSQL. Metadata lives in the queue
// table; message bodies are spool files named <queue_id>.eml so large
// payloads stay out of the database.
type SQLStore struct {
	db       *sqlx.DB
	spoolDir string
}

// OpenSQLStore connects to PostgreSQL, applies the schema, and prepares
// the spool directory.
func OpenSQLStore(dsn, spoolDir string) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	return NewSQLStore(db, spoolDir)
}

// NewSQLStore wraps an existing connection pool.
func NewSQLStore(db *sqlx.DB, spoolDir string) (*SQLStore, error) {
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying queue schema: %w", err)
	}
	return &SQLStore{db: db, spoolDir: spoolDir}, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type queueRow struct {
	QueueID         string         `db:"queue_id"`
	Sender          string         `db:"sender"`
	Recipients      []byte         `db:"recipients"`
	MessagePath     string         `db:"message_path"`
	SessionInfo     []byte         `db:"session_info"`
	Status          string         `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	NextRetryAt     sql.NullTime   `db:"next_retry_at"`
	Attempts        int            `db:"attempts"`
	LastError       sql.NullString `db:"last_error"`
	RecipientStatus []byte         `db:"recipient_status"`
	LeaseExpiresAt  sql.NullTime   `db:"lease_expires_at"`
}

func (s *SQLStore) messagePath(queueID string) string {
	return filepath.Join(s.spoolDir, queueID+".eml")
}

// Enqueue writes the spool file first, then the metadata row, so a row
// never references a missing body.
func (s *SQLStore) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	path := s.messagePath(msg.QueueID)
	if err := os.WriteFile(path, msg.Envelope.MessageData, 0o600); err != nil {
		return fmt.Errorf("writing spool file: %w", err)
	}

	recipients, err := json.Marshal(msg.Envelope.Recipients)
	if err != nil {
		return err
	}
	sessionInfo, err := json.Marshal(msg.Envelope.SessionInfo)
	if err != nil {
		return err
	}
	recipientStatus, err := json.Marshal(msg.RecipientStatus)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue (
			queue_id, sender, recipients, message_path, session_info,
			status, created_at, next_retry_at, attempts, last_error,
			recipient_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.QueueID, msg.Envelope.Sender, recipients, path, sessionInfo,
		string(msg.Status), msg.CreatedAt, nullTime(msg.NextRetryAt),
		msg.Attempts, nullString(msg.LastError), recipientStatus)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("inserting queue row: %w", err)
	}
	return nil
}

// Get returns the message by queue id, body included.
func (s *SQLStore) Get(ctx context.Context, queueID string) (*QueuedMessage, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM queue WHERE queue_id = $1`, queueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("selecting queue row: %w", err)
	}
	return s.rowToMessage(&row)
}

// Update rewrites the mutable metadata of the message.
func (s *SQLStore) Update(ctx context.Context, msg *QueuedMessage) error {
	recipientStatus, err := json.Marshal(msg.RecipientStatus)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET
			status = $1, next_retry_at = $2, attempts = $3,
			last_error = $4, recipient_status = $5
		WHERE queue_id = $6`,
		string(msg.Status), nullTime(msg.NextRetryAt), msg.Attempts,
		nullString(msg.LastError), recipientStatus, msg.QueueID)
	if err != nil {
		return fmt.Errorf("updating queue row: %w", err)
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

// Delete removes the row and its spool file.
func (s *SQLStore) Delete(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE queue_id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("deleting queue row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := os.Remove(s.messagePath(queueID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing spool file: %w", err)
	}
	return nil
}

// FetchReady claims ready messages inside one transaction. SKIP LOCKED
// keeps concurrent workers from fighting over the same rows; the lease
// column keeps a claimed id invisible to later polls until it is released
// or the lease expires.
func (s *SQLStore) FetchReady(ctx context.Context, limit int, now time.Time, leaseFor time.Duration) ([]*QueuedMessage, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning fetch transaction: %w", err)
	}
	defer tx.Rollback()

	var rows []queueRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM queue
		WHERE status IN ('active', 'deferred')
		AND (next_retry_at IS NULL OR next_retry_at <= $1)
		AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting ready rows: %w", err)
	}

	leaseUntil := now.Add(leaseFor)
	out := make([]*QueuedMessage, 0, len(rows))
	for i := range rows {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue SET lease_expires_at = $1 WHERE queue_id = $2`,
			leaseUntil, rows[i].QueueID); err != nil {
			return nil, fmt.Errorf("leasing queue row: %w", err)
		}
		msg, err := s.rowToMessage(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fetch transaction: %w", err)
	}
	return out, nil
}

// Release drops the lease on a queue id.
func (s *SQLStore) Release(ctx context.Context, queueID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET lease_expires_at = NULL WHERE queue_id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("releasing queue row: %w", err)
	}
	return nil
}

// ListByStatus returns up to limit messages with the given status, newest
// first.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*QueuedMessage, error) {
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM queue WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting by status: %w", err)
	}
	out := make([]*QueuedMessage, 0, len(rows))
	for i := range rows {
		msg, err := s.rowToMessage(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// CountByStatus returns message counts per status.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) rowToMessage(row *queueRow) (*QueuedMessage, error) {
	data, err := os.ReadFile(row.MessagePath)
	if err != nil {
		return nil, fmt.Errorf("reading spool file: %w", err)
	}

	var recipients []string
	if err := json.Unmarshal(row.Recipients, &recipients); err != nil {
		return nil, fmt.Errorf("decoding recipients: %w", err)
	}
	var sessionInfo SessionInfo
	if err := json.Unmarshal(row.SessionInfo, &sessionInfo); err != nil {
		return nil, fmt.Errorf("decoding session info: %w", err)
	}
	recipientStatus := make(map[string]*RecipientState)
	if err := json.Unmarshal(row.RecipientStatus, &recipientStatus); err != nil {
		return nil, fmt.Errorf("decoding recipient status: %w", err)
	}

	msg := &QueuedMessage{
		QueueID: row.QueueID,
		Envelope: Envelope{
			Sender:      row.Sender,
			Recipients:  recipients,
			MessageData: data,
			SessionInfo: sessionInfo,
		},
		Status:          Status(row.Status),
		CreatedAt:       row.CreatedAt,
		Attempts:        row.Attempts,
		RecipientStatus: recipientStatus,
	}
	if row.NextRetryAt.Valid {
		msg.NextRetryAt = row.NextRetryAt.Time
	}
	if row.LastError.Valid {
		msg.LastError = row.LastError.String
	}
	return msg, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
