package pinmark

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryTag names one queued operation for a background retry context.
type RetryTag struct {
	FileID      string `json:"fileId"`
	OperationID string `json:"operationId"`
}

func (t RetryTag) String() string {
	return "pinmark-retry:" + t.FileID + ":" + t.OperationID
}

// RetryCompletion reports the outcome of a background attempt. It carries
// the original operation because the response alone cannot locate the
// optimistic record it confirms.
type RetryCompletion struct {
	Tag          RetryTag          `json:"tag"`
	Kind         OpKind            `json:"kind"`
	Operation    *PendingOperation `json:"operation,omitempty"`
	Result       SubmitResult      `json:"result"`
	Error        string            `json:"error,omitempty"`
	Unauthorized bool              `json:"unauthorized,omitempty"`
}

// OK reports whether the attempt reached the remote store successfully.
func (c RetryCompletion) OK() bool { return c.Error == "" }

// RetryDispatcher asks a background context to retry a queued operation.
// Registration is advisory: the operation may never be attempted.
type RetryDispatcher interface {
	RegisterRetry(ctx context.Context, tag RetryTag) error
}

// CompletionSource delivers completion messages from a background context.
type CompletionSource interface {
	OnCompletion(fn func(RetryCompletion)) (cancel func())
}

// ============================================================================
// Completion fan-out
// ============================================================================

type completionHub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(RetryCompletion)
}

func (h *completionHub) OnCompletion(fn func(RetryCompletion)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(RetryCompletion))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *completionHub) publish(c RetryCompletion) {
	h.mu.RLock()
	subs := make([]func(RetryCompletion), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(c)
		}()
	}
}

// ============================================================================
// Retry runner
// ============================================================================

// retryRunner performs a single attempt for a tag against the shared queue.
type retryRunner struct {
	store  QueueStore
	remote RemoteStore
	log    zerolog.Logger
}

// attempt returns false when there was nothing to do because the operation
// is no longer queued.
func (r *retryRunner) attempt(ctx context.Context, tag RetryTag) (RetryCompletion, bool) {
	op, err := r.store.Get(ctx, tag.OperationID)
	if errors.Is(err, ErrNotFound) {
		return RetryCompletion{}, false
	}
	if err != nil {
		r.log.Warn().Err(err).Str("tag", tag.String()).Msg("load queued operation")
		return RetryCompletion{Tag: tag, Error: err.Error()}, true
	}

	done := RetryCompletion{Tag: tag, Kind: op.Kind(), Operation: &op}
	res, err := Submit(ctx, r.remote, op)
	if err != nil {
		done.Error = err.Error()
		done.Unauthorized = IsUnauthorized(err)
		r.bumpRetry(ctx, op)
		r.log.Debug().Err(err).Str("op_id", op.ID).Str("kind", string(op.Kind())).Int("retries", op.RetryCount+1).Msg("retry failed")
		return done, true
	}

	if err := r.store.Remove(ctx, op.ID); err != nil {
		r.log.Warn().Err(err).Str("op_id", op.ID).Msg("remove confirmed operation")
	}
	done.Result = res
	r.log.Debug().Str("op_id", op.ID).Str("kind", string(op.Kind())).Msg("retry confirmed")
	return done, true
}

func (r *retryRunner) bumpRetry(ctx context.Context, op PendingOperation) {
	// Only rewrite records that are still queued, so a concurrent removal wins.
	current, err := r.store.Get(ctx, op.ID)
	if err != nil {
		return
	}
	current.RetryCount++
	if err := r.store.Enqueue(ctx, current.FileID, current); err != nil {
		r.log.Warn().Err(err).Str("op_id", op.ID).Msg("record retry count")
	}
}

// ============================================================================
// LocalWorker
// ============================================================================

// WorkerOptions configures background workers.
type WorkerOptions struct {
	Logger *zerolog.Logger
	// MaxAttempts bounds automatic retries per registration. Operations that
	// exhaust it stay queued for the engine's recovery triggers.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Buffer is the number of registrations a LocalWorker holds before
	// refusing new ones.
	Buffer int
}

func (o *WorkerOptions) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = time.Minute
	}
	if o.Buffer == 0 {
		o.Buffer = 64
	}
}

func (o *WorkerOptions) backoff(attempt int) time.Duration {
	delay := float64(o.RetryBaseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(math.Min(delay, float64(o.RetryMaxDelay)))
}

type scheduledTag struct {
	tag     RetryTag
	attempt int
}

// LocalWorker is an in-process background retry context. It keeps retrying
// registered operations with exponential backoff independently of the
// engine that registered them.
type LocalWorker struct {
	completionHub
	runner retryRunner
	opts   WorkerOptions

	tags chan scheduledTag

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queued  map[string]struct{}
}

var (
	_ RetryDispatcher  = (*LocalWorker)(nil)
	_ CompletionSource = (*LocalWorker)(nil)
)

// NewLocalWorker creates a worker that drains store into remote. Call Start
// before registering retries.
func NewLocalWorker(store QueueStore, remote RemoteStore, opts *WorkerOptions) *LocalWorker {
	o := WorkerOptions{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &LocalWorker{
		runner: retryRunner{store: store, remote: remote, log: component(o.Logger, "pinmark.worker")},
		opts:   o,
		tags:   make(chan scheduledTag, o.Buffer),
		queued: make(map[string]struct{}),
	}
}

// Start launches the worker loop. It stops when ctx is cancelled or Stop is called.
func (w *LocalWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.queued = make(map[string]struct{})
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop halts the worker and waits for the current attempt to finish.
func (w *LocalWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
}

// RegisterRetry schedules an attempt for tag. Registering a tag that is
// already waiting is a no-op.
func (w *LocalWorker) RegisterRetry(_ context.Context, tag RetryTag) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrBackgroundUnavailable
	}
	if _, ok := w.queued[tag.OperationID]; ok {
		return nil
	}
	select {
	case w.tags <- scheduledTag{tag: tag}:
		w.queued[tag.OperationID] = struct{}{}
		return nil
	default:
		return ErrBackgroundUnavailable
	}
}

func (w *LocalWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-w.tags:
			w.run(ctx, st)
		}
	}
}

func (w *LocalWorker) run(ctx context.Context, st scheduledTag) {
	done, ok := w.runner.attempt(ctx, st.tag)
	if !ok || done.OK() || done.Unauthorized || st.attempt+1 >= w.opts.MaxAttempts || ctx.Err() != nil {
		w.mu.Lock()
		delete(w.queued, st.tag.OperationID)
		w.mu.Unlock()
		if ok {
			w.publish(done)
		}
		return
	}

	w.publish(done)
	next := scheduledTag{tag: st.tag, attempt: st.attempt + 1}
	delay := w.opts.backoff(st.attempt)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case w.tags <- next:
		case <-ctx.Done():
		}
	}()
}
