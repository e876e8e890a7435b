package pinmark

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveCompletion(t *testing.T, ch <-chan RetryCompletion) RetryCompletion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return RetryCompletion{}
	}
}

func TestLocalWorkerConfirmsOperation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	remote := newFakeRemote()
	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))

	w := NewLocalWorker(store, remote, nil)
	assert.ErrorIs(t, w.RegisterRetry(ctx, op.Tag()), ErrBackgroundUnavailable, "not started")

	w.Start(ctx)
	defer w.Stop()

	done := make(chan RetryCompletion, 4)
	w.OnCompletion(func(c RetryCompletion) { done <- c })
	require.NoError(t, w.RegisterRetry(ctx, op.Tag()))

	c := receiveCompletion(t, done)
	assert.True(t, c.OK())
	assert.Equal(t, OpCreateComment, c.Kind)
	require.NotNil(t, c.Operation)
	assert.Equal(t, op.ID, c.Operation.ID)
	require.NotNil(t, c.Result.Comment)
	assert.Equal(t, "c-1", c.Result.Comment.ID)
	assert.Zero(t, store.Len())
}

func TestLocalWorkerRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	remote := newFakeRemote()
	remote.failWith("CreateComment", errors.New("connection reset"))
	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))

	w := NewLocalWorker(store, remote, &WorkerOptions{MaxAttempts: 3, RetryBaseDelay: 5 * time.Millisecond})
	w.Start(ctx)
	defer w.Stop()

	done := make(chan RetryCompletion, 8)
	w.OnCompletion(func(c RetryCompletion) { done <- c })
	require.NoError(t, w.RegisterRetry(ctx, op.Tag()))

	for i := 0; i < 3; i++ {
		c := receiveCompletion(t, done)
		assert.False(t, c.OK())
		assert.Contains(t, c.Error, "connection reset")
	}

	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err, "exhausted operations stay queued")
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 3, remote.count("CreateComment"))

	// The tag can be registered again once the worker let go of it.
	require.NoError(t, w.RegisterRetry(ctx, op.Tag()))
	receiveCompletion(t, done)
}

func TestLocalWorkerStopsOnUnauthorized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	remote := newFakeRemote()
	remote.failWith("*", errUnauthorizedResponse)
	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))

	w := NewLocalWorker(store, remote, &WorkerOptions{MaxAttempts: 5, RetryBaseDelay: time.Millisecond})
	w.Start(ctx)
	defer w.Stop()

	done := make(chan RetryCompletion, 8)
	w.OnCompletion(func(c RetryCompletion) { done <- c })
	require.NoError(t, w.RegisterRetry(ctx, op.Tag()))

	c := receiveCompletion(t, done)
	assert.True(t, c.Unauthorized)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, remote.count("CreateComment"))
}

func TestLocalWorkerIgnoresRemovedOperation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	remote := newFakeRemote()

	w := NewLocalWorker(store, remote, nil)
	w.Start(ctx)
	defer w.Stop()

	var mu sync.Mutex
	calls := 0
	w.OnCompletion(func(RetryCompletion) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, w.RegisterRetry(ctx, RetryTag{FileID: "file-1", OperationID: "gone"}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
	assert.Empty(t, remote.callLog())
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []RetryCompletion
}

func (n *captureNotifier) Notify(_ context.Context, c RetryCompletion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	return nil
}

func (n *captureNotifier) all() []RetryCompletion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]RetryCompletion(nil), n.sent...)
}

func TestRedisWorkerProcessOne(t *testing.T) {
	ctx := context.Background()
	client := newTestRedisClient(t)
	store := NewRedisQueueStoreWithClient(client)
	remote := newFakeRemote()
	notifier := &captureNotifier{}

	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))

	dispatcher := NewRedisDispatcher(client, nil)
	worker := NewRedisWorker(client, store, remote, notifier, nil)

	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "nothing registered yet")

	require.NoError(t, dispatcher.RegisterRetry(ctx, op.Tag()))
	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].OK())
	assert.Equal(t, op.Tag(), sent[0].Tag)

	_, err = store.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisWorkerSchedulesDelayedRetry(t *testing.T) {
	ctx := context.Background()
	client := newTestRedisClient(t)
	store := NewRedisQueueStoreWithClient(client)
	remote := newFakeRemote()
	remote.failWith("CreateComment", errors.New("bad gateway"))
	notifier := &captureNotifier{}

	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))

	dispatcher := NewRedisDispatcher(client, nil)
	worker := NewRedisWorker(client, store, remote, notifier, &WorkerOptions{
		MaxAttempts:    2,
		RetryBaseDelay: 10 * time.Millisecond,
	})
	require.NoError(t, dispatcher.RegisterRetry(ctx, op.Tag()))

	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "retry is delayed")

	time.Sleep(30 * time.Millisecond)
	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed, "delayed retry promoted")

	time.Sleep(30 * time.Millisecond)
	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "attempts exhausted")

	assert.Len(t, notifier.all(), 2)
	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestRedisDispatcherRelaysCompletions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newTestRedisClient(t)
	store := NewRedisQueueStoreWithClient(client)

	op := testOperation("file-1", "c-1", time.Now().UTC())
	require.NoError(t, store.Enqueue(ctx, "file-1", op))

	dispatcher := NewRedisDispatcher(client, nil)
	require.NoError(t, dispatcher.Listen(ctx))
	defer dispatcher.Close()

	done := make(chan RetryCompletion, 1)
	dispatcher.OnCompletion(func(c RetryCompletion) { done <- c })

	worker := NewRedisWorker(client, store, newFakeRemote(), nil, nil)
	worker.PollTimeout = 100 * time.Millisecond
	workerCtx, stopWorker := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = worker.Run(workerCtx)
	}()
	defer func() {
		stopWorker()
		wg.Wait()
	}()

	require.NoError(t, dispatcher.RegisterRetry(ctx, op.Tag()))
	c := receiveCompletion(t, done)
	assert.True(t, c.OK())
	require.NotNil(t, c.Operation)
	assert.Equal(t, op.ID, c.Operation.ID)
}

func TestWorkerOptionsBackoff(t *testing.T) {
	o := WorkerOptions{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, o.backoff(0))
	assert.Equal(t, 2*time.Second, o.backoff(1))
	assert.Equal(t, 4*time.Second, o.backoff(2))
	assert.Equal(t, 5*time.Second, o.backoff(3))
}
