package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageLog provides append-only communication-log operations on top of a
// LibSQLStore. Messages for one instance are totally ordered by a
// monotonically increasing sequence assigned at append time.
type MessageLog struct {
	store *LibSQLStore
}

// NewMessageLog wraps a LibSQLStore to provide communication-log operations.
func NewMessageLog(s *LibSQLStore) *MessageLog {
	return &MessageLog{store: s}
}

// AppendMessage appends a message with a monotonically increasing per-instance
// sequence. A write-intent statement forces lock acquisition so concurrent
// appenders cannot interleave sequence reads and writes.
func (ml *MessageLog) AppendMessage(ctx context.Context, msg *Message) error {
	return ml.store.AppendMessage(ctx, msg)
}

// AppendMessage implements the sequence-assigning append path directly on the store.
func (s *LibSQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx alone may start a deferred transaction; an
	// immediate-mode write forces the lock before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE instance_id = ?`, msg.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	msg.Sequence = seq

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, instance_id, from_role, to_role, message_type, payload, status, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.InstanceID, msg.FromRole, msg.ToRole, string(msg.Type),
		nullRaw(msg.Payload), nullStr(msg.Status), seq, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// History returns the full ordered communication history for an instance.
func (ml *MessageLog) History(ctx context.Context, instanceID string) ([]*Message, error) {
	return ml.store.ListMessages(ctx, instanceID, 0)
}
