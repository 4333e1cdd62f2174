package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) *SQLiteFailedMessageStore {
	t.Helper()
	s, err := NewSQLiteFailedMessageStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFailedMessageArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("save assigns an id and round-trips", func(t *testing.T) {
		s := newTestArchive(t)

		id, err := s.Save(ctx, FailedMessage{
			OriginQueue: "task.process",
			MessageID:   "msg-1",
			Body:        []byte(`{"id":"msg-1"}`),
			Reason:      "recognizer timeout",
			RetryCount:  3,
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "task.process", got.OriginQueue)
		assert.Equal(t, "msg-1", got.MessageID)
		assert.Equal(t, []byte(`{"id":"msg-1"}`), got.Body)
		assert.Equal(t, 3, got.RetryCount)
		assert.False(t, got.FailedAt.IsZero())
		assert.Nil(t, got.ReplayedAt)
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newTestArchive(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrFailedMessageNotFound)
	})

	t.Run("list returns newest first and honors the limit", func(t *testing.T) {
		s := newTestArchive(t)

		base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			_, err := s.Save(ctx, FailedMessage{
				OriginQueue: "task.process",
				MessageID:   string(rune('a' + i)),
				Body:        []byte("{}"),
				Reason:      "boom",
				FailedAt:    base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}

		all, err := s.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].MessageID)

		limited, err := s.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("mark replayed", func(t *testing.T) {
		s := newTestArchive(t)

		id, err := s.Save(ctx, FailedMessage{OriginQueue: "q", MessageID: "m", Body: []byte("{}"), Reason: "r"})
		require.NoError(t, err)

		replayedAt := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.MarkReplayed(ctx, id, replayedAt))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.ReplayedAt)
		assert.WithinDuration(t, replayedAt, *got.ReplayedAt, time.Second)

		assert.ErrorIs(t, s.MarkReplayed(ctx, "nope", replayedAt), ErrFailedMessageNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newTestArchive(t)

		id, err := s.Save(ctx, FailedMessage{OriginQueue: "q", MessageID: "m", Body: []byte("{}"), Reason: "r"})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, id))
		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrFailedMessageNotFound)
		assert.ErrorIs(t, s.Delete(ctx, id), ErrFailedMessageNotFound)
	})
}
