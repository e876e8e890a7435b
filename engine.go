package pinmark

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
)

// Engine events.
const (
	// EngineStateChanged fires after local state changes. The payload is nil;
	// call Snapshot for the current list.
	EngineStateChanged = "state.changed"
	// EngineSyncError fires with a *SyncError when a mutation fails to sync.
	EngineSyncError = "sync.error"
)

// SyncError describes a mutation that could not be delivered.
type SyncError struct {
	Kind     OpKind
	EntityID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Kind, e.EntityID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event. Handlers run on the goroutine that caused
// the event and must not block.
func (em *emitter) On(event string, handler EventHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.listeners == nil {
		em.listeners = make(map[string][]EventHandler)
	}
	em.listeners[event] = append(em.listeners[event], handler)
}

func (em *emitter) emit(event string, payload any) {
	em.mu.RLock()
	handlers := em.listeners[event]
	em.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (em *emitter) removeAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the annotations of one file in sync with the remote store.
// Mutations apply to local state immediately and are delivered in the
// background, either through the durable queue and a retry dispatcher or by
// direct submission.
type Engine struct {
	emitter

	fileID string
	remote RemoteStore
	store  QueueStore
	runner retryRunner
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	annotations      []Annotation
	loading          bool
	lastErr          error
	halted           bool
	online           bool
	visible          bool
	recovering       bool
	started          bool
	stopped          bool
	stopFns          []func()
	tail             chan struct{}
	inflight         map[string]struct{}
	seen             *boundedSet
	tombstones       *boundedSet
	recent           map[string]graceEntry
	lastTransportLog time.Time
}

// NewEngine creates an engine for fileID. A nil store keeps queued
// operations in memory.
func NewEngine(fileID string, remote RemoteStore, store QueueStore, opts *Options) (*Engine, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()

	if err := criterio.ValidateStruct(
		criterio.Run("file_id", fileID, requiredID),
		o.Validate(),
	); err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if store == nil {
		store = NewMemoryQueueStore()
	}

	log := component(o.Logger, "pinmark.engine").With().Str("file_id", fileID).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		emitter:    emitter{listeners: make(map[string][]EventHandler)},
		fileID:     fileID,
		remote:     remote,
		store:      store,
		runner:     retryRunner{store: store, remote: remote, log: log},
		opts:       o,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		online:     true,
		visible:    true,
		inflight:   make(map[string]struct{}),
		seen:       newBoundedSet(o.DedupCapacity),
		tombstones: newBoundedSet(o.TombstoneCapacity),
		recent:     make(map[string]graceEntry),
	}, nil
}

// FileID returns the file this engine serves.
func (e *Engine) FileID() string { return e.fileID }

// Start subscribes to completions and realtime events, loads the file and
// re-drives queued operations. Cancelling ctx stops the engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine stopped")
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, e.Stop)
	e.addStopFn(func() { stopAfter() })

	if e.opts.Completions != nil {
		e.addStopFn(e.opts.Completions.OnCompletion(e.HandleCompletion))
	}

	if e.opts.Events != nil {
		unsubscribe, err := e.opts.Events.Subscribe(e.ctx, e.fileID, e.HandleEvent, e.transportError)
		if err != nil {
			e.transportError(err)
		} else {
			e.addStopFn(unsubscribe)
		}
	}

	e.goAsync(func(ctx context.Context) {
		if err := e.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Msg("initial load")
		}
		if err := e.rehydrate(ctx); err != nil {
			e.log.Warn().Err(err).Msg("restore queued creates")
		}
		if err := e.Recover(ctx); err != nil && !errors.Is(err, ErrSessionHalted) {
			e.log.Warn().Err(err).Msg("initial recovery")
		}
	})

	e.log.Debug().Msg("engine started")
	return nil
}

// Stop tears down subscriptions, cancels in-flight work and waits for
// engine goroutines to exit. Queued operations stay in the store.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	fns := e.stopFns
	e.stopFns = nil
	e.mu.Unlock()

	e.cancel()
	for _, fn := range fns {
		fn()
	}
	e.wg.Wait()
	e.removeAll()
	e.log.Debug().Msg("engine stopped")
}

// Wait blocks until all network work started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) addStopFn(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopFns = append(e.stopFns, fn)
}

// goAsync runs fn on an engine goroutine.
func (e *Engine) goAsync(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.ctx.Err() != nil {
			return
		}
		fn(e.ctx)
	}()
}

// goSerial runs fn after every previously scheduled serial job has finished,
// so network submissions leave in the same order mutations were applied.
// Callers hold e.mu.
func (e *Engine) goSerial(fn func(ctx context.Context)) {
	prev := e.tail
	done := make(chan struct{})
	e.tail = done

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-e.ctx.Done():
				return
			}
		}
		if e.ctx.Err() != nil {
			return
		}
		fn(e.ctx)
	}()
}

// Snapshot returns a copy of the current annotations and the load flags.
func (e *Engine) Snapshot() (annotations []Annotation, loading bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAnnotations(e.annotations), e.loading, e.lastErr
}

// Halted reports whether sync stopped after an authorization failure.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// halt stops automatic network work for the rest of the session and
// reports the failure once.
func (e *Engine) halt(cause error) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	e.lastErr = ErrUnauthorized
	e.mu.Unlock()

	e.log.Error().Err(cause).Msg("authorization rejected, sync halted")
	e.emit(EngineSyncError, &SyncError{Err: fmt.Errorf("%w: %w", ErrUnauthorized, cause)})
}

func (e *Engine) transportError(err error) {
	e.mu.Lock()
	now := e.opts.Clock()
	if !e.lastTransportLog.IsZero() && now.Sub(e.lastTransportLog) < e.opts.TransportErrorCooldown {
		e.mu.Unlock()
		return
	}
	e.lastTransportLog = now
	e.mu.Unlock()
	e.log.Warn().Err(err).Msg("realtime transport error")
}

// ============================================================================
// Mutations
// ============================================================================

// CreateAnnotation adds an annotation, with an optional first comment, and
// returns the optimistic record.
func (e *Engine) CreateAnnotation(in CreateAnnotationInput) (Annotation, error) {
	if in.Type == "" {
		in.Type = AnnotationPin
	}
	if in.Comment != "" && !in.hasComment() {
		return Annotation{}, ErrEmptyComment
	}

	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return Annotation{}, ErrSessionHalted
	}

	now := e.opts.Clock().UTC()
	a := Annotation{
		ID:        uuid.NewString(),
		FileID:    e.fileID,
		Type:      in.Type,
		Target:    in.Target,
		Style:     in.Style,
		CreatedAt: now,
		UpdatedAt: now,
		State:     SyncPending,
	}
	req := CreateAnnotationRequest{
		ID:     a.ID,
		FileID: e.fileID,
		Type:   a.Type,
		Target: a.Target,
		Style:  a.Style,
	}

	if in.hasComment() {
		c := Comment{
			ID:           uuid.NewString(),
			AnnotationID: a.ID,
			Text:         in.Comment,
			Status:       StatusOpen,
			CreatedAt:    now,
			State:        SyncPending,
		}
		if len(in.Images) > 0 {
			c.State = SyncProvisional
			c.attachments = len(in.Images)
		}
		a.Comments = []Comment{c}
		req.Comment = &NewComment{ID: c.ID, Text: c.Text}
		e.recent[a.ID] = graceEntry{createdAt: e.opts.Clock(), commentID: c.ID, text: c.Text}
	}

	e.annotations = append(e.annotations, cloneAnnotation(a))
	undo := func() { e.dropAnnotation(a.ID) }

	switch {
	case len(in.Images) > 0:
		images := in.Images
		e.goSerial(func(ctx context.Context) {
			server, err := e.remote.CreateAnnotationWithImages(ctx, req, images)
			if err != nil {
				e.fail(OpCreateAnnotationWithComment, a.ID, err, undo)
				return
			}
			e.applyCreatedAnnotation(a.ID, server)
		})
	case req.Comment != nil:
		e.dispatch(NewOperation(e.fileID, CreateAnnotationWithCommentPayload{Request: req}), undo)
	default:
		e.dispatch(NewOperation(e.fileID, CreateAnnotationPayload{Request: req}), undo)
	}
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return a, nil
}

// UpdateAnnotation applies patch to an annotation.
func (e *Engine) UpdateAnnotation(id string, patch AnnotationPatch) (Annotation, error) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return Annotation{}, ErrSessionHalted
	}
	idx := e.annotationIndex(id)
	if idx < 0 {
		e.mu.Unlock()
		return Annotation{}, fmt.Errorf("annotation %s: %w", id, ErrNotFound)
	}

	prev := cloneAnnotation(e.annotations[idx])
	patch.apply(&e.annotations[idx])
	e.annotations[idx].UpdatedAt = e.opts.Clock().UTC()
	updated := cloneAnnotation(e.annotations[idx])

	undo := func() {
		if i := e.annotationIndex(id); i >= 0 {
			comments := e.annotations[i].Comments
			e.annotations[i] = prev
			e.annotations[i].Comments = comments
		}
	}
	e.dispatch(NewOperation(e.fileID, UpdateAnnotationPayload{AnnotationID: id, Patch: patch}), undo)
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return updated, nil
}

// DeleteAnnotation removes an annotation and its comments.
func (e *Engine) DeleteAnnotation(id string) error {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return ErrSessionHalted
	}
	idx := e.annotationIndex(id)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("annotation %s: %w", id, ErrNotFound)
	}

	prev := cloneAnnotation(e.annotations[idx])
	e.annotations = slices.Delete(e.annotations, idx, idx+1)
	e.tombstones.add(id)
	delete(e.recent, id)

	undo := func() {
		e.tombstones.remove(id)
		if e.annotationIndex(id) < 0 {
			e.annotations = slices.Insert(e.annotations, min(idx, len(e.annotations)), prev)
		}
	}
	e.dispatch(NewOperation(e.fileID, DeleteAnnotationPayload{AnnotationID: id}), undo)
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return nil
}

// AddComment adds a comment, or a reply when opts.ParentID is set, and
// returns the optimistic record. Images are only accepted on top-level comments.
func (e *Engine) AddComment(annotationID, text string, opts *CommentOptions) (Comment, error) {
	var o CommentOptions
	if opts != nil {
		o = *opts
	}
	if strings.TrimSpace(text) == "" && len(o.Images) == 0 {
		return Comment{}, ErrEmptyComment
	}
	if o.ParentID != "" && len(o.Images) > 0 {
		return Comment{}, ErrImageReply
	}

	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return Comment{}, ErrSessionHalted
	}
	ai := e.annotationIndex(annotationID)
	if ai < 0 {
		e.mu.Unlock()
		return Comment{}, fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	a := &e.annotations[ai]

	var parentState SyncState
	if o.ParentID != "" {
		ci, ri := findComment(a, o.ParentID)
		switch {
		case ci < 0:
			e.mu.Unlock()
			return Comment{}, fmt.Errorf("parent comment %s: %w", o.ParentID, ErrNotFound)
		case ri >= 0:
			e.mu.Unlock()
			return Comment{}, ErrNestedReply
		case a.Comments[ci].State == SyncProvisional:
			e.mu.Unlock()
			return Comment{}, ErrParentUnconfirmed
		}
		parentState = a.Comments[ci].State
	}

	c := Comment{
		ID:           uuid.NewString(),
		AnnotationID: annotationID,
		ParentID:     o.ParentID,
		Text:         text,
		Status:       StatusOpen,
		CreatedAt:    e.opts.Clock().UTC(),
		State:        SyncPending,
	}
	if len(o.Images) > 0 {
		c.State = SyncProvisional
		c.attachments = len(o.Images)
	}
	insertComment(a, cloneComment(c))

	req := CreateCommentRequest{ID: c.ID, AnnotationID: annotationID, ParentID: o.ParentID, Text: text}
	undo := func() { e.dropComment(c.ID) }

	switch {
	case len(o.Images) > 0:
		images := o.Images
		e.goSerial(func(ctx context.Context) {
			server, err := e.remote.CreateCommentWithImages(ctx, req, images)
			if err != nil {
				e.fail(OpCreateComment, c.ID, err, undo)
				return
			}
			e.applyCreatedComment(c.ID, server)
		})
	case parentState == SyncPending && e.opts.Dispatcher != nil:
		// The parent's create is still queued. Later submissions wait behind
		// the reply so its edits never reach the remote before it does.
		op := NewOperation(e.fileID, CreateCommentPayload{Request: req})
		e.goSerial(func(ctx context.Context) {
			e.awaitParent(ctx, o.ParentID)
			e.submitDirect(ctx, op, undo)
		})
	default:
		e.dispatch(NewOperation(e.fileID, CreateCommentPayload{Request: req}), undo)
	}
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return c, nil
}

// UpdateComment applies patch to a comment or reply.
func (e *Engine) UpdateComment(id string, patch CommentPatch) (Comment, error) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return Comment{}, ErrSessionHalted
	}
	ref, ok := e.locateComment(id)
	if !ok {
		e.mu.Unlock()
		return Comment{}, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	c := e.commentAt(ref)
	if c.State == SyncProvisional {
		e.mu.Unlock()
		return Comment{}, ErrCommentUnconfirmed
	}
	if patch.Text != nil && strings.TrimSpace(*patch.Text) == "" && !c.hasImages() && patch.ImageURLs == nil {
		e.mu.Unlock()
		return Comment{}, ErrEmptyComment
	}

	prev := cloneComment(*c)
	patch.apply(c)
	updated := cloneComment(*c)
	annotationID := e.annotations[ref.annotation].ID

	undo := func() {
		if r, ok := e.locateComment(id); ok {
			cur := e.commentAt(r)
			replies := cur.Replies
			*cur = prev
			cur.Replies = replies
		}
	}
	e.dispatch(NewOperation(e.fileID, UpdateCommentPayload{CommentID: id, AnnotationID: annotationID, Patch: patch}), undo)
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return updated, nil
}

// DeleteComment removes a comment or reply. Deleting a top-level comment
// removes its replies with it.
func (e *Engine) DeleteComment(id string) error {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return ErrSessionHalted
	}
	ref, ok := e.locateComment(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	c := e.commentAt(ref)
	if c.State == SyncProvisional {
		e.mu.Unlock()
		return ErrCommentUnconfirmed
	}

	prev := cloneComment(*c)
	annotationID := e.annotations[ref.annotation].ID
	removeCommentAt(&e.annotations[ref.annotation], ref.comment, ref.reply)
	e.tombstones.add(id)

	undo := func() {
		e.tombstones.remove(id)
		if ai := e.annotationIndex(annotationID); ai >= 0 {
			if ci, _ := findComment(&e.annotations[ai], id); ci < 0 {
				insertCommentAt(&e.annotations[ai], prev, ref.comment, ref.reply)
			}
		}
	}
	e.dispatch(NewOperation(e.fileID, DeleteCommentPayload{CommentID: id, AnnotationID: annotationID}), undo)
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return nil
}

// ============================================================================
// Delivery
// ============================================================================

// dispatch delivers op. With a background context the operation is queued
// and registered for retry; otherwise it is submitted directly and undo runs
// if that fails. Callers hold e.mu; undo runs with e.mu held.
func (e *Engine) dispatch(op PendingOperation, undo func()) {
	dispatcher := e.opts.Dispatcher
	e.goSerial(func(ctx context.Context) {
		if dispatcher == nil {
			e.submitDirect(ctx, op, undo)
			return
		}
		if err := e.store.Enqueue(ctx, e.fileID, op); err != nil {
			e.log.Warn().Err(err).Str("op_id", op.ID).Msg("queue operation, submitting directly")
			e.submitDirect(ctx, op, undo)
			return
		}
		if e.Halted() {
			return
		}
		if err := dispatcher.RegisterRetry(ctx, op.Tag()); err != nil {
			e.log.Debug().Err(err).Str("op_id", op.ID).Msg("background retry unavailable, submitting directly")
			e.attemptQueued(ctx, op)
		}
	})
}

// submitDirect sends an operation that is not in the queue. Failures roll
// back the optimistic change.
func (e *Engine) submitDirect(ctx context.Context, op PendingOperation, undo func()) {
	if e.Halted() {
		e.fail(op.Kind(), op.EntityID(), ErrSessionHalted, undo)
		return
	}
	res, err := Submit(ctx, e.remote, op)
	if err != nil {
		e.fail(op.Kind(), op.EntityID(), err, undo)
		return
	}
	e.applyResult(op, res)
}

// attemptQueued submits a queued operation once. Failures leave it queued
// for the next recovery trigger.
func (e *Engine) attemptQueued(ctx context.Context, op PendingOperation) {
	if !e.claim(op.ID) {
		return
	}
	defer e.release(op.ID)
	done, ok := e.runner.attempt(ctx, op.Tag())
	if !ok {
		return
	}
	e.HandleCompletion(done)
}

func (e *Engine) claim(opID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[opID]; busy {
		return false
	}
	e.inflight[opID] = struct{}{}
	return true
}

func (e *Engine) release(opID string) {
	e.mu.Lock()
	delete(e.inflight, opID)
	e.mu.Unlock()
}

// fail rolls back an undeliverable mutation and reports it.
func (e *Engine) fail(kind OpKind, entityID string, err error, undo func()) {
	if IsUnauthorized(err) {
		e.halt(err)
	}
	if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	if undo != nil {
		undo()
	}
	if !e.halted {
		e.lastErr = err
	}
	e.mu.Unlock()

	e.log.Warn().Err(err).Str("kind", string(kind)).Str("entity_id", entityID).Msg("sync failed, change rolled back")
	e.emit(EngineStateChanged, nil)
	e.emit(EngineSyncError, &SyncError{Kind: kind, EntityID: entityID, Err: err})
}

// HandleCompletion merges the outcome of a background attempt.
func (e *Engine) HandleCompletion(c RetryCompletion) {
	if c.Tag.FileID != e.fileID {
		return
	}
	if c.Unauthorized {
		e.halt(errors.New(c.Error))
		return
	}
	if !c.OK() {
		e.log.Debug().Str("tag", c.Tag.String()).Str("error", c.Error).Msg("background attempt failed")
		return
	}
	if c.Operation == nil {
		return
	}
	e.applyResult(*c.Operation, c.Result)
}

// applyResult merges the authoritative record returned for op. Update and
// delete responses are not merged: local state already reflects them and
// may carry newer edits.
func (e *Engine) applyResult(op PendingOperation, res SubmitResult) {
	switch p := op.Payload.(type) {
	case CreateAnnotationPayload:
		e.applyCreatedAnnotation(p.Request.ID, res.Annotation)
	case CreateAnnotationWithCommentPayload:
		e.applyCreatedAnnotation(p.Request.ID, res.Annotation)
	case CreateCommentPayload:
		e.applyCreatedComment(p.Request.ID, res.Comment)
	case UpdateAnnotationPayload, DeleteAnnotationPayload, UpdateCommentPayload, DeleteCommentPayload:
	}
}

// applyCreatedAnnotation confirms a local annotation. A nil server record
// means the remote already had it. A server record with no local
// counterpart, as after a restart, is added.
func (e *Engine) applyCreatedAnnotation(id string, server *Annotation) {
	e.mu.Lock()
	idx := e.annotationIndex(id)
	if e.tombstones.has(id) || (idx < 0 && server == nil) {
		e.mu.Unlock()
		return
	}
	switch {
	case idx < 0:
		e.annotations = append(e.annotations, mergeAnnotation(&Annotation{}, *server, false, e.tombstones.has))
	case server == nil:
		a := &e.annotations[idx]
		a.State = SyncConfirmed
		for ci := range a.Comments {
			if a.Comments[ci].State == SyncPending {
				a.Comments[ci].State = SyncConfirmed
			}
		}
	default:
		e.annotations[idx] = mergeAnnotation(&e.annotations[idx], *server, true, e.tombstones.has)
	}
	e.mu.Unlock()
	e.emit(EngineStateChanged, nil)
}

// applyCreatedComment replaces the local record localID with the server copy.
// The server copy may carry a different identity for uploads.
func (e *Engine) applyCreatedComment(localID string, server *Comment) {
	e.mu.Lock()
	changed := false
	switch {
	case server == nil:
		if ref, ok := e.locateComment(localID); ok {
			e.commentAt(ref).State = SyncConfirmed
			changed = true
		}
	case e.tombstones.has(server.ID), e.tombstones.has(localID):
	default:
		if ref, ok := e.locateComment(server.ID); ok {
			replaceComment(e.commentAt(ref), *server, e.tombstones.has)
			if server.ID != localID {
				e.dropComment(localID)
			}
			changed = true
		} else if ref, ok := e.locateComment(localID); ok {
			replaceComment(e.commentAt(ref), *server, e.tombstones.has)
			changed = true
		} else if ai := e.annotationIndex(server.AnnotationID); ai >= 0 {
			c := cloneComment(*server)
			c.State = SyncConfirmed
			changed = insertComment(&e.annotations[ai], c)
		}
	}
	e.mu.Unlock()
	if changed {
		e.emit(EngineStateChanged, nil)
	}
}

// dropAnnotation and dropComment are undo helpers; callers hold e.mu.
func (e *Engine) dropAnnotation(id string) {
	if idx := e.annotationIndex(id); idx >= 0 {
		e.annotations = slices.Delete(e.annotations, idx, idx+1)
	}
	delete(e.recent, id)
}

func (e *Engine) dropComment(id string) {
	if ref, ok := e.locateComment(id); ok {
		removeCommentAt(&e.annotations[ref.annotation], ref.comment, ref.reply)
	}
}

// awaitParent polls the queue until the parent's create operation is gone
// or the poll timeout expires.
func (e *Engine) awaitParent(ctx context.Context, parentID string) {
	deadline := time.NewTimer(e.opts.ParentPollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.ParentPollInterval)
	defer ticker.Stop()

	for {
		pending, err := hasPendingCommentCreate(ctx, e.store, e.fileID, parentID)
		if err != nil {
			e.log.Debug().Err(err).Str("parent_id", parentID).Msg("check parent comment")
		} else if !pending {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			e.log.Debug().Str("parent_id", parentID).Msg("parent still queued, submitting reply anyway")
			return
		case <-ticker.C:
		}
	}
}

// dropQueuedCreates removes queued create operations made redundant by a
// realtime confirmation of the same identity.
func (e *Engine) dropQueuedCreates(ctx context.Context, ids []string) {
	ops, err := e.store.ListPending(ctx, e.fileID)
	if err != nil {
		e.log.Debug().Err(err).Msg("list queued operations")
		return
	}
	for _, op := range ops {
		for _, id := range ids {
			if !op.createsAnnotation(id) && !op.createsComment(id) {
				continue
			}
			if !e.claim(op.ID) {
				break
			}
			if err := e.store.Remove(ctx, op.ID); err != nil {
				e.log.Debug().Err(err).Str("op_id", op.ID).Msg("remove confirmed operation")
			}
			e.release(op.ID)
			break
		}
	}
}
