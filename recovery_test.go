package pinmark

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueRecoveryOps(t *testing.T, store QueueStore) []PendingOperation {
	t.Helper()
	text := "edited offline"
	base := time.Now().UTC().Add(-time.Minute)
	payloads := []OpPayload{
		CreateAnnotationPayload{Request: CreateAnnotationRequest{ID: "ann-r", FileID: "file-1", Type: AnnotationPin}},
		CreateCommentPayload{Request: CreateCommentRequest{ID: "c-r", AnnotationID: "ann-r", Text: "offline"}},
		UpdateCommentPayload{CommentID: "c-r", AnnotationID: "ann-r", Patch: CommentPatch{Text: &text}},
		DeleteCommentPayload{CommentID: "c-old", AnnotationID: "ann-r"},
	}
	ops := make([]PendingOperation, len(payloads))
	for i, p := range payloads {
		ops[i] = NewOperation("file-1", p)
		ops[i].CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Enqueue(context.Background(), "file-1", ops[i]))
	}
	return ops
}

func TestRecoverDrainsPersistedQueue(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	first, err := OpenSQLiteQueueStore(ctx, path)
	require.NoError(t, err)
	queueRecoveryOps(t, first)
	require.NoError(t, first.Close())

	store, err := OpenSQLiteQueueStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	remote := newFakeRemote()
	e := newTestEngine(t, remote, store, nil)
	require.NoError(t, e.Recover(ctx))
	e.Wait()

	assert.Equal(t, []string{"CreateAnnotation", "CreateComment", "UpdateComment", "DeleteComment"}, remote.callLog())
	ops, err := store.ListPending(ctx, "file-1")
	require.NoError(t, err)
	assert.Empty(t, ops)

	require.NoError(t, e.Recover(ctx))
	assert.Len(t, remote.callLog(), 4, "nothing left to retry")
}

func TestRecoverRegistersWithDispatcher(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	ops := queueRecoveryOps(t, store)

	dispatcher := &recordingDispatcher{}
	remote := newFakeRemote()
	e := newTestEngine(t, remote, store, &Options{Dispatcher: dispatcher})
	require.NoError(t, e.Recover(ctx))

	tags := dispatcher.registered()
	require.Len(t, tags, len(ops))
	for i, op := range ops {
		assert.Equal(t, op.Tag(), tags[i])
	}
	assert.Empty(t, remote.callLog())
	assert.Equal(t, len(ops), store.Len())
}

func TestRecoverKeepsFailedOperations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	queueRecoveryOps(t, store)

	remote := newFakeRemote()
	remote.failWith("CreateComment", assert.AnError)
	e := newTestEngine(t, remote, store, nil)
	require.NoError(t, e.Recover(ctx))

	ops, err := store.ListPending(ctx, "file-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpCreateComment, ops[0].Kind())
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.False(t, e.Halted())
}

func TestSetOnlineTriggersRecovery(t *testing.T) {
	store := NewMemoryQueueStore()
	queueRecoveryOps(t, store)
	remote := newFakeRemote()
	e := newTestEngine(t, remote, store, nil)

	assert.True(t, e.Online())
	e.SetOnline(true)
	e.Wait()
	assert.Empty(t, remote.callLog(), "no transition, no recovery")

	e.SetOnline(false)
	assert.False(t, e.Online())
	e.SetOnline(true)
	e.Wait()
	assert.Len(t, remote.callLog(), 4)
	assert.Zero(t, store.Len())
}

func TestSetVisibleTriggersRecovery(t *testing.T) {
	store := NewMemoryQueueStore()
	queueRecoveryOps(t, store)
	remote := newFakeRemote()
	e := newTestEngine(t, remote, store, nil)

	e.SetVisible(false)
	e.SetVisible(true)
	e.Wait()
	assert.Len(t, remote.callLog(), 4)
}

func TestStartRestoresQueuedCreates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	create := NewOperation("file-1", CreateAnnotationWithCommentPayload{Request: CreateAnnotationRequest{
		ID: "ann-q", FileID: "file-1", Type: AnnotationBox,
		Comment: &NewComment{ID: "c-q", Text: "queued before restart"},
	}})
	require.NoError(t, store.Enqueue(ctx, "file-1", create))

	remote := newFakeRemote()
	e := newTestEngine(t, remote, store, nil)
	require.NoError(t, e.Start(ctx))
	e.Wait()

	assert.Equal(t, []string{"ListAnnotations", "CreateAnnotation"}, remote.callLog())
	assert.Zero(t, store.Len())

	list := snapshot(t, e)
	require.Len(t, list, 1)
	assert.Equal(t, "ann-q", list[0].ID)
	assert.Equal(t, AnnotationBox, list[0].Type)
	assert.True(t, list[0].Confirmed())
	require.Len(t, list[0].Comments, 1)
	assert.Equal(t, "queued before restart", list[0].Comments[0].Text)
	assert.True(t, list[0].Comments[0].Confirmed())
}

func TestStartShowsQueuedCreatesAsPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	ops := queueRecoveryOps(t, store)

	dispatcher := &recordingDispatcher{}
	remote := newFakeRemote()
	e := newTestEngine(t, remote, store, &Options{Dispatcher: dispatcher})
	require.NoError(t, e.Start(ctx))
	e.Wait()

	assert.Len(t, dispatcher.registered(), len(ops))
	list := snapshot(t, e)
	require.Len(t, list, 1)
	assert.Equal(t, "ann-r", list[0].ID)
	assert.Equal(t, SyncPending, list[0].State)
	require.Len(t, list[0].Comments, 1)
	assert.Equal(t, "c-r", list[0].Comments[0].ID)
	assert.Equal(t, SyncPending, list[0].Comments[0].State)
}

func TestRecoverAddsConfirmedCommentMissingLocally(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, nil, nil)
	seed(e, Annotation{ID: "ann-1"})

	op := NewOperation("file-1", CreateCommentPayload{Request: CreateCommentRequest{ID: "c-1", AnnotationID: "ann-1", Text: "sent"}})
	e.HandleCompletion(RetryCompletion{Tag: op.Tag(), Kind: op.Kind(), Operation: &op, Result: SubmitResult{
		Comment: &Comment{ID: "c-1", AnnotationID: "ann-1", Text: "sent"},
	}})

	comments := snapshot(t, e)[0].Comments
	require.Len(t, comments, 1)
	assert.Equal(t, "c-1", comments[0].ID)
	assert.True(t, comments[0].Confirmed())
}
