package pinmark

import (
	"context"
	"fmt"
	"time"
)

// SetOnline records connectivity. Coming back online re-drives the queue.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	restored := online && !e.online
	e.online = online
	e.mu.Unlock()

	if restored {
		e.log.Debug().Msg("connectivity restored")
		e.triggerRecover()
	}
}

// SetVisible records whether the file view is visible. Becoming visible
// re-drives the queue.
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	restored := visible && !e.visible
	e.visible = visible
	e.mu.Unlock()

	if restored {
		e.log.Debug().Msg("view visible again")
		e.triggerRecover()
	}
}

// Online reports the last connectivity state passed to SetOnline.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) triggerRecover() {
	e.goAsync(func(ctx context.Context) {
		if err := e.Recover(ctx); err != nil {
			e.log.Debug().Err(err).Msg("recovery")
		}
	})
}

// Recover re-drives every queued operation for the file: each is handed to
// the background dispatcher when one is configured, and submitted directly
// otherwise. Concurrent calls collapse into the one already running.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return ErrSessionHalted
	}
	if e.recovering {
		e.mu.Unlock()
		return nil
	}
	e.recovering = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.recovering = false
		e.mu.Unlock()
	}()

	ops, err := e.store.ListPending(ctx, e.fileID)
	if err != nil {
		return fmt.Errorf("list queued operations: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	e.log.Debug().Int("count", len(ops)).Msg("recovering queued operations")

	for _, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.Halted() {
			return ErrSessionHalted
		}
		if e.opts.Dispatcher != nil {
			if err := e.opts.Dispatcher.RegisterRetry(ctx, op.Tag()); err == nil {
				continue
			}
		}
		e.attemptQueued(ctx, op)
	}
	return nil
}

// rehydrate restores queued creates missing from local state as pending
// records, so work queued before a restart is visible while it is retried.
func (e *Engine) rehydrate(ctx context.Context) error {
	ops, err := e.store.ListPending(ctx, e.fileID)
	if err != nil {
		return fmt.Errorf("list queued operations: %w", err)
	}

	e.mu.Lock()
	restored := 0
	for _, op := range ops {
		switch p := op.Payload.(type) {
		case CreateAnnotationPayload:
			restored += e.restoreAnnotation(p.Request, op.CreatedAt)
		case CreateAnnotationWithCommentPayload:
			restored += e.restoreAnnotation(p.Request, op.CreatedAt)
		case CreateCommentPayload:
			restored += e.restoreComment(p.Request, op.CreatedAt)
		}
	}
	e.mu.Unlock()

	if restored > 0 {
		e.log.Debug().Int("count", restored).Msg("restored queued creates")
		e.emit(EngineStateChanged, nil)
	}
	return nil
}

// restoreAnnotation and restoreComment return 1 when a record was added.
// Callers hold e.mu.
func (e *Engine) restoreAnnotation(req CreateAnnotationRequest, at time.Time) int {
	if e.tombstones.has(req.ID) || e.annotationIndex(req.ID) >= 0 {
		return 0
	}
	a := Annotation{
		ID:        req.ID,
		FileID:    req.FileID,
		Type:      req.Type,
		Target:    req.Target,
		Style:     req.Style,
		CreatedAt: at,
		UpdatedAt: at,
		State:     SyncPending,
	}
	if req.Comment != nil && !e.tombstones.has(req.Comment.ID) {
		a.Comments = []Comment{{
			ID:           req.Comment.ID,
			AnnotationID: req.ID,
			Text:         req.Comment.Text,
			Status:       StatusOpen,
			CreatedAt:    at,
			State:        SyncPending,
		}}
	}
	e.annotations = append(e.annotations, a)
	return 1
}

func (e *Engine) restoreComment(req CreateCommentRequest, at time.Time) int {
	if e.tombstones.has(req.ID) {
		return 0
	}
	if _, ok := e.locateComment(req.ID); ok {
		return 0
	}
	ai := e.annotationIndex(req.AnnotationID)
	if ai < 0 {
		return 0
	}
	c := Comment{
		ID:           req.ID,
		AnnotationID: req.AnnotationID,
		ParentID:     req.ParentID,
		Text:         req.Text,
		Status:       StatusOpen,
		CreatedAt:    at,
		State:        SyncPending,
	}
	if insertComment(&e.annotations[ai], c) {
		return 1
	}
	return 0
}
