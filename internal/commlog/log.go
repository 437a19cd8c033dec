// Package commlog is the append-only inter-role communication ledger.
// Message content never mutates after append; only receipt metadata
// (acknowledged_at, responded_at) may be set later.
package commlog

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/pkg/schema"
)

// MessageStore is the slice of the Store the log needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, instanceID string, since int64) ([]*store.Message, error)
	AcknowledgeMessage(ctx context.Context, id string) error
	MarkMessageResponded(ctx context.Context, id string) error
}

// Log appends and queries inter-role messages for workflow instances.
type Log struct {
	store  MessageStore
	logger *slog.Logger
}

// NewLog creates a communication log over the given store.
func NewLog(s MessageStore, logger *slog.Logger) *Log {
	return &Log{store: s, logger: logger}
}

// Append records a message. The store assigns the per-instance sequence.
func (l *Log) Append(ctx context.Context, instanceID, fromRole, toRole string, msgType schema.MessageType, payload any) (*store.Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"marshal message payload: %s", err.Error()).WithCause(err)
		}
		raw = b
	}

	msg := &store.Message{
		InstanceID: instanceID,
		FromRole:   fromRole,
		ToRole:     toRole,
		Type:       msgType,
		Payload:    raw,
		Status:     "sent",
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "append message: %s", err.Error()).WithCause(err)
	}

	l.logger.DebugContext(ctx, "message appended",
		slog.String("message_type", string(msgType)),
		slog.String("from_role", fromRole),
		slog.String("to_role", toRole),
	)
	return msg, nil
}

// History returns the ordered communication history for an instance.
func (l *Log) History(ctx context.Context, instanceID string) ([]*store.Message, error) {
	return l.store.ListMessages(ctx, instanceID, 0)
}

// Acknowledge sets the receipt timestamp on a message.
func (l *Log) Acknowledge(ctx context.Context, messageID string) error {
	return l.store.AcknowledgeMessage(ctx, messageID)
}

// MarkResponded sets the response timestamp on a message.
func (l *Log) MarkResponded(ctx context.Context, messageID string) error {
	return l.store.MarkMessageResponded(ctx, messageID)
}
