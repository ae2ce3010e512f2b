package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

func TestAuditor(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	auditor := NewAuditor(slog.New(slog.NewTextHandler(io.Discard, nil)), repo)

	first, second := uuid.New(), uuid.New()
	admin := uuid.New()

	require.NoError(t, repo.InTx(ctx, func(tx repository.Tx) error {
		if err := auditor.LogEvent(ctx, tx, LogEventParam{
			RegistrationID: first,
			Type:           model.AuditLogEventTypeRegistrationCreated,
		}); err != nil {
			return err
		}
		return auditor.LogEvent(ctx, tx, LogEventParam{
			RegistrationID: first,
			AdminID:        util.Some(admin),
			Type:           model.AuditLogEventTypeReviewPassed,
			Dimension:      util.Some(model.DimensionPayment),
			Data:           map[string]any{"notes": "slip matches"},
		})
	}))
	require.NoError(t, repo.InTx(ctx, func(tx repository.Tx) error {
		return auditor.LogEvent(ctx, tx, LogEventParam{
			RegistrationID: second,
			Type:           model.AuditLogEventTypeRegistrationCreated,
		})
	}))

	t.Run("filters by registration newest first", func(t *testing.T) {
		events, err := auditor.Events(ctx, first, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)

		assert.Equal(t, model.AuditLogEventTypeReviewPassed, events[0].Type)
		require.NotNil(t, events[0].AdminID)
		assert.Equal(t, admin, *events[0].AdminID)
		require.NotNil(t, events[0].Dimension)
		assert.Equal(t, model.DimensionPayment, *events[0].Dimension)

		var data map[string]any
		require.NoError(t, json.Unmarshal(events[0].Data, &data))
		assert.Equal(t, "slip matches", data["notes"])

		assert.Equal(t, model.AuditLogEventTypeRegistrationCreated, events[1].Type)
		assert.Nil(t, events[1].AdminID)
	})

	t.Run("nil registration lists everything", func(t *testing.T) {
		events, err := auditor.Events(ctx, uuid.Nil, 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)

		limited, err := auditor.Events(ctx, uuid.Nil, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, second, limited[0].RegistrationID)
	})

	t.Run("rolled back transaction leaves no event", func(t *testing.T) {
		third := uuid.New()
		boom := errors.New("boom")
		err := repo.InTx(ctx, func(tx repository.Tx) error {
			if err := auditor.LogEvent(ctx, tx, LogEventParam{
				RegistrationID: third,
				Type:           model.AuditLogEventTypeRegistrationRejected,
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		events, err := auditor.Events(ctx, third, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
