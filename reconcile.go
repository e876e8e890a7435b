package pinmark

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ============================================================================
// Bounded sets
// ============================================================================

// boundedSet remembers up to capacity keys, evicting the oldest first.
type boundedSet struct {
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (s *boundedSet) has(key string) bool {
	_, ok := s.items[key]
	return ok
}

// add inserts key and reports whether it was already present.
func (s *boundedSet) add(key string) bool {
	if s.has(key) {
		return true
	}
	s.items[key] = s.order.PushBack(key)
	for s.capacity > 0 && s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return false
}

func (s *boundedSet) remove(key string) {
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}

func (s *boundedSet) len() int { return s.order.Len() }

// ============================================================================
// Grace window
// ============================================================================

// graceEntry records an annotation created locally with a bundled comment.
type graceEntry struct {
	createdAt time.Time
	commentID string
	text      string
}

func (e *Engine) withinGrace(annotationID string) (graceEntry, bool) {
	g, ok := e.recent[annotationID]
	if !ok {
		return graceEntry{}, false
	}
	if e.opts.Clock().Sub(g.createdAt) >= e.opts.GraceWindow {
		delete(e.recent, annotationID)
		return graceEntry{}, false
	}
	return g, true
}

func (e *Engine) pruneGrace() {
	now := e.opts.Clock()
	for id, g := range e.recent {
		if now.Sub(g.createdAt) >= e.opts.GraceWindow {
			delete(e.recent, id)
		}
	}
}

// ============================================================================
// Event application
// ============================================================================

// eventKey is the logical identity of a delivered event. Events without an
// origin carry no usable key and are never deduplicated.
func eventKey(ev Event) (string, bool) {
	if ev.Timestamp == 0 && ev.UserID == "" {
		return "", false
	}
	return fmt.Sprintf("%s|%d|%s", ev.Type, ev.Timestamp, ev.UserID), true
}

// reconcileOutcome collects the side effects of applying one event.
type reconcileOutcome struct {
	changed bool
	refresh bool
	// confirmed lists identities whose queued create operations are now redundant.
	confirmed []string
}

// HandleEvent applies a realtime event to local state. It is safe to call
// with duplicated or reordered events.
func (e *Engine) HandleEvent(ev Event) {
	e.mu.Lock()
	if ev.FileID != "" && ev.FileID != e.fileID {
		e.mu.Unlock()
		return
	}
	if key, ok := eventKey(ev); ok && e.seen.add(key) {
		e.mu.Unlock()
		e.log.Debug().Str("type", string(ev.Type)).Msg("duplicate event dropped")
		return
	}
	e.pruneGrace()
	out, err := e.applyEvent(ev)
	e.mu.Unlock()

	if err != nil {
		e.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("malformed realtime event")
		return
	}
	if out.changed {
		e.emit(EngineStateChanged, nil)
	}
	if len(out.confirmed) > 0 {
		e.goAsync(func(ctx context.Context) { e.dropQueuedCreates(ctx, out.confirmed) })
	}
	if out.refresh {
		e.goAsync(func(ctx context.Context) {
			if err := e.Refresh(ctx); err != nil {
				e.log.Debug().Err(err).Msg("refresh after unknown annotation")
			}
		})
	}
}

func (e *Engine) applyEvent(ev Event) (reconcileOutcome, error) {
	switch ev.Type {
	case EventAnnotationCreated:
		var a Annotation
		if err := json.Unmarshal(ev.Data, &a); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyAnnotationCreated(a), nil
	case EventAnnotationUpdated:
		var a Annotation
		if err := json.Unmarshal(ev.Data, &a); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyAnnotationUpdated(a), nil
	case EventAnnotationDeleted:
		var p DeletedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyAnnotationDeleted(p.ID), nil
	case EventCommentCreated:
		var c Comment
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyCommentCreated(c), nil
	case EventCommentUpdated:
		var c Comment
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyCommentUpdated(c), nil
	case EventCommentDeleted:
		var p DeletedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyCommentDeleted(p.ID), nil
	case EventCommentImagesUploaded:
		var p ImagesPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return reconcileOutcome{}, err
		}
		return e.applyImagesUploaded(p), nil
	}
	e.log.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event type")
	return reconcileOutcome{}, nil
}

func (e *Engine) applyAnnotationCreated(a Annotation) reconcileOutcome {
	if a.ID == "" || e.tombstones.has(a.ID) {
		return reconcileOutcome{}
	}
	out := reconcileOutcome{changed: true, confirmed: []string{a.ID}}

	idx := e.annotationIndex(a.ID)
	if idx < 0 {
		e.annotations = append(e.annotations, e.authoritative(a))
		return out
	}

	// Echo of this client's own bundled create: confirm, keep local comments.
	if _, ok := e.withinGrace(a.ID); ok {
		e.annotations[idx].State = SyncConfirmed
		return out
	}

	e.annotations[idx] = mergeAnnotation(&e.annotations[idx], a, true, e.tombstones.has)
	return out
}

func (e *Engine) applyAnnotationUpdated(a Annotation) reconcileOutcome {
	if a.ID == "" || e.tombstones.has(a.ID) {
		return reconcileOutcome{}
	}
	idx := e.annotationIndex(a.ID)
	if idx < 0 {
		e.annotations = append(e.annotations, e.authoritative(a))
		return reconcileOutcome{changed: true}
	}
	e.annotations[idx] = mergeAnnotation(&e.annotations[idx], a, true, e.tombstones.has)
	return reconcileOutcome{changed: true}
}

func (e *Engine) applyAnnotationDeleted(id string) reconcileOutcome {
	if id == "" {
		return reconcileOutcome{}
	}
	e.tombstones.add(id)
	delete(e.recent, id)
	idx := e.annotationIndex(id)
	if idx < 0 {
		return reconcileOutcome{}
	}
	e.annotations = slices.Delete(e.annotations, idx, idx+1)
	return reconcileOutcome{changed: true}
}

func (e *Engine) applyCommentCreated(c Comment) reconcileOutcome {
	if c.ID == "" || e.tombstones.has(c.ID) {
		return reconcileOutcome{}
	}

	ai := e.annotationIndex(c.AnnotationID)
	if ai < 0 {
		if e.tombstones.has(c.AnnotationID) {
			return reconcileOutcome{}
		}
		return reconcileOutcome{refresh: true}
	}
	a := &e.annotations[ai]
	out := reconcileOutcome{changed: true, confirmed: []string{c.ID}}

	if ci, ri := findComment(a, c.ID); ci >= 0 {
		local := commentAtRef(a, ci, ri)
		if local.Confirmed() {
			return reconcileOutcome{confirmed: out.confirmed}
		}
		replaceComment(local, c, e.tombstones.has)
		return out
	}

	if g, ok := e.withinGrace(a.ID); ok && !c.IsReply() && c.Text == g.text {
		if ci, ri := findComment(a, g.commentID); ci >= 0 && !commentAtRef(a, ci, ri).Confirmed() {
			replaceComment(commentAtRef(a, ci, ri), c, e.tombstones.has)
			return out
		}
		return reconcileOutcome{}
	}

	if local := matchUnconfirmed(a, &c); local != nil {
		replaceComment(local, c, e.tombstones.has)
		return out
	}

	authoritative := cloneComment(c)
	authoritative.State = SyncConfirmed
	if !insertComment(a, authoritative) {
		// Reply to a parent this client has not seen yet.
		return reconcileOutcome{refresh: true}
	}
	return out
}

// matchUnconfirmed finds the optimistic comment a server comment echoes.
func matchUnconfirmed(a *Annotation, server *Comment) *Comment {
	if !server.IsReply() {
		for ci := range a.Comments {
			if c := &a.Comments[ci]; !c.Confirmed() && sameContent(c, server) {
				return c
			}
		}
		return nil
	}
	for ci := range a.Comments {
		if a.Comments[ci].ID != server.ParentID {
			continue
		}
		for ri := range a.Comments[ci].Replies {
			if c := &a.Comments[ci].Replies[ri]; !c.Confirmed() && sameContent(c, server) {
				return c
			}
		}
	}
	return nil
}

func (e *Engine) applyCommentUpdated(c Comment) reconcileOutcome {
	if c.ID == "" || e.tombstones.has(c.ID) {
		return reconcileOutcome{}
	}
	if ref, ok := e.locateComment(c.ID); ok {
		replaceComment(e.commentAt(ref), c, e.tombstones.has)
		return reconcileOutcome{changed: true}
	}

	// Update delivered ahead of its create.
	ai := e.annotationIndex(c.AnnotationID)
	if ai < 0 {
		return reconcileOutcome{}
	}
	authoritative := cloneComment(c)
	authoritative.State = SyncConfirmed
	if !insertComment(&e.annotations[ai], authoritative) {
		return reconcileOutcome{}
	}
	return reconcileOutcome{changed: true}
}

func (e *Engine) applyCommentDeleted(id string) reconcileOutcome {
	if id == "" {
		return reconcileOutcome{}
	}
	e.tombstones.add(id)
	ref, ok := e.locateComment(id)
	if !ok {
		return reconcileOutcome{}
	}
	removeCommentAt(&e.annotations[ref.annotation], ref.comment, ref.reply)
	return reconcileOutcome{changed: true}
}

func (e *Engine) applyImagesUploaded(p ImagesPayload) reconcileOutcome {
	if p.CommentID == "" || len(p.ImageURLs) == 0 {
		return reconcileOutcome{}
	}
	ref, ok := e.locateComment(p.CommentID)
	if !ok {
		return reconcileOutcome{}
	}
	c := e.commentAt(ref)
	merged := unionStrings(c.ImageURLs, p.ImageURLs)
	if len(merged) == len(c.ImageURLs) {
		return reconcileOutcome{}
	}
	c.ImageURLs = merged
	return reconcileOutcome{changed: true}
}

// authoritative prepares a server annotation for insertion, dropping
// comments deleted locally.
func (e *Engine) authoritative(a Annotation) Annotation {
	out := cloneAnnotation(a)
	out.State = SyncConfirmed
	if out.Comments != nil {
		out.Comments = mergeComments(nil, a.Comments, false, e.tombstones.has)
	}
	return out
}
