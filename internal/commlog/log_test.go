package commlog

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/pkg/schema"
)

func newLog(t *testing.T) (*Log, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewLog(st, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func TestAppendAssignsSequencePerInstance(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, "i-1", "maintenance_tech", "property_manager",
		schema.MessageTypeRequest, map[string]any{"cost": 8000})
	require.NoError(t, err)
	second, err := log.Append(ctx, "i-1", "property_manager", "maintenance_tech",
		schema.MessageTypeResponse, nil)
	require.NoError(t, err)
	other, err := log.Append(ctx, "i-2", "leasing_agent", "property_manager",
		schema.MessageTypeNotification, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence, "sequences are per instance")
}

func TestAppendRejectsUnmarshalablePayload(t *testing.T) {
	log, _ := newLog(t)

	_, err := log.Append(context.Background(), "i-1", "a", "b",
		schema.MessageTypeRequest, func() {})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestHistoryOrderedBySequence(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	for _, msgType := range []schema.MessageType{
		schema.MessageTypeRequest,
		schema.MessageTypeEscalation,
		schema.MessageTypeResponse,
	} {
		_, err := log.Append(ctx, "i-1", "a", "b", msgType, nil)
		require.NoError(t, err)
	}

	history, err := log.History(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, msg := range history {
		assert.Equal(t, int64(i+1), msg.Sequence)
	}
	assert.Equal(t, schema.MessageTypeEscalation, history[1].Type)
}

func TestAcknowledgeAndRespond(t *testing.T) {
	log, st := newLog(t)
	ctx := context.Background()

	msg, err := log.Append(ctx, "i-1", "a", "b", schema.MessageTypeRequest, nil)
	require.NoError(t, err)

	require.NoError(t, log.Acknowledge(ctx, msg.ID))
	require.NoError(t, log.MarkResponded(ctx, msg.ID))

	history, err := st.ListMessages(ctx, "i-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].AcknowledgedAt)
	assert.NotNil(t, history[0].RespondedAt)
}
