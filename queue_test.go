package pinmark

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func queueStores(t *testing.T) map[string]QueueStore {
	t.Helper()
	sqliteStore, err := OpenSQLiteQueueStore(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]QueueStore{
		"memory": NewMemoryQueueStore(),
		"sqlite": sqliteStore,
		"redis":  NewRedisQueueStoreWithClient(newTestRedisClient(t)),
	}
}

func testOperation(fileID, commentID string, at time.Time) PendingOperation {
	op := NewOperation(fileID, CreateCommentPayload{Request: CreateCommentRequest{
		ID:           commentID,
		AnnotationID: "ann-1",
		Text:         "comment " + commentID,
	}})
	op.CreatedAt = at
	return op
}

func TestQueueStores(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range queueStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			second := testOperation("file-1", "c-2", base.Add(time.Second))
			first := testOperation("file-1", "c-1", base)
			other := testOperation("file-2", "c-3", base)

			require.NoError(t, store.Enqueue(ctx, "file-1", second))
			require.NoError(t, store.Enqueue(ctx, "file-1", first))
			require.NoError(t, store.Enqueue(ctx, "file-2", other))

			ops, err := store.ListPending(ctx, "file-1")
			require.NoError(t, err)
			require.Len(t, ops, 2)
			assert.Equal(t, first.ID, ops[0].ID, "oldest first")
			assert.Equal(t, second.ID, ops[1].ID)
			assert.Equal(t, first.Payload, ops[0].Payload)

			// Re-enqueueing replaces the record.
			first.RetryCount = 2
			require.NoError(t, store.Enqueue(ctx, "file-1", first))
			got, err := store.Get(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.RetryCount)
			ops, err = store.ListPending(ctx, "file-1")
			require.NoError(t, err)
			assert.Len(t, ops, 2)

			pending, err := hasPendingCommentCreate(ctx, store, "file-1", "c-2")
			require.NoError(t, err)
			assert.True(t, pending)

			require.NoError(t, store.Remove(ctx, second.ID))
			require.NoError(t, store.Remove(ctx, second.ID), "removing twice is not an error")
			_, err = store.Get(ctx, second.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			pending, err = hasPendingCommentCreate(ctx, store, "file-1", "c-2")
			require.NoError(t, err)
			assert.False(t, pending)

			require.NoError(t, store.ClearAll(ctx, "file-1"))
			ops, err = store.ListPending(ctx, "file-1")
			require.NoError(t, err)
			assert.Empty(t, ops)

			ops, err = store.ListPending(ctx, "file-2")
			require.NoError(t, err)
			require.Len(t, ops, 1, "ClearAll is scoped to one file")
			assert.Equal(t, other.ID, ops[0].ID)
		})
	}
}

func TestSQLiteQueueStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenSQLiteQueueStore(ctx, path)
	require.NoError(t, err)
	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteQueueStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := reopened.ListPending(ctx, "file-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Equal(t, OpCreateComment, ops[0].Kind())
}

func TestMemoryQueueStoreRejectsEmptyOperation(t *testing.T) {
	store := NewMemoryQueueStore()
	err := store.Enqueue(context.Background(), "file-1", PendingOperation{ID: "op-1"})
	assert.Error(t, err)
	assert.Zero(t, store.Len())
}
