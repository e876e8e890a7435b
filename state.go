package pinmark

import "slices"

// Helpers over the engine's annotation list. Callers hold Engine.mu.

func (e *Engine) annotationIndex(id string) int {
	for i := range e.annotations {
		if e.annotations[i].ID == id {
			return i
		}
	}
	return -1
}

// commentRef addresses a comment inside e.annotations. reply is -1 for
// top-level comments.
type commentRef struct {
	annotation int
	comment    int
	reply      int
}

func (e *Engine) locateComment(id string) (commentRef, bool) {
	for ai := range e.annotations {
		if ci, ri := findComment(&e.annotations[ai], id); ci >= 0 {
			return commentRef{annotation: ai, comment: ci, reply: ri}, true
		}
	}
	return commentRef{}, false
}

func (e *Engine) commentAt(ref commentRef) *Comment {
	return commentAtRef(&e.annotations[ref.annotation], ref.comment, ref.reply)
}

func findComment(a *Annotation, id string) (int, int) {
	for ci := range a.Comments {
		if a.Comments[ci].ID == id {
			return ci, -1
		}
		for ri := range a.Comments[ci].Replies {
			if a.Comments[ci].Replies[ri].ID == id {
				return ci, ri
			}
		}
	}
	return -1, -1
}

func commentAtRef(a *Annotation, ci, ri int) *Comment {
	if ri < 0 {
		return &a.Comments[ci]
	}
	return &a.Comments[ci].Replies[ri]
}

// insertComment places c at the end of its thread. It returns false when c is
// a reply whose parent is not present.
func insertComment(a *Annotation, c Comment) bool {
	if !c.IsReply() {
		a.Comments = append(a.Comments, c)
		return true
	}
	for ci := range a.Comments {
		if a.Comments[ci].ID == c.ParentID {
			a.Comments[ci].Replies = append(a.Comments[ci].Replies, c)
			return true
		}
	}
	return false
}

// insertCommentAt restores c at its previous position, clamped to the
// current thread length.
func insertCommentAt(a *Annotation, c Comment, ci, ri int) bool {
	if ri < 0 {
		ci = min(ci, len(a.Comments))
		a.Comments = slices.Insert(a.Comments, ci, c)
		return true
	}
	for i := range a.Comments {
		if a.Comments[i].ID == c.ParentID {
			ri = min(ri, len(a.Comments[i].Replies))
			a.Comments[i].Replies = slices.Insert(a.Comments[i].Replies, ri, c)
			return true
		}
	}
	return false
}

func removeCommentAt(a *Annotation, ci, ri int) {
	if ri < 0 {
		a.Comments = slices.Delete(a.Comments, ci, ci+1)
		return
	}
	a.Comments[ci].Replies = slices.Delete(a.Comments[ci].Replies, ri, ri+1)
}

// replaceComment swaps the local record for an authoritative one, keeping
// local replies the server copy does not list.
func replaceComment(local *Comment, server Comment, skip func(string) bool) {
	replies := local.Replies
	*local = cloneComment(server)
	local.State = SyncConfirmed
	local.attachments = 0
	if !local.IsReply() {
		local.Replies = mergeComments(replies, server.Replies, true, skip)
	}
}

// ============================================================================
// Merging
// ============================================================================

// mergeAnnotation layers local comments onto an authoritative annotation. A
// nil server comment list means the payload did not carry comments, so the
// local ones are kept as they are. keepConfirmed controls whether confirmed
// local comments missing from the server copy survive; realtime payloads may
// be older than comment events already applied, listings are not.
func mergeAnnotation(local *Annotation, server Annotation, keepConfirmed bool, skip func(string) bool) Annotation {
	merged := cloneAnnotation(server)
	merged.State = SyncConfirmed
	if server.Comments == nil {
		merged.Comments = cloneComments(local.Comments)
		return merged
	}
	merged.Comments = mergeComments(local.Comments, server.Comments, keepConfirmed, skip)
	return merged
}

// mergeComments merges one level of a thread. Server comments win; their
// replies are merged recursively. Local comments without a server
// counterpart are kept when unconfirmed (or when keepConfirmed is set),
// unless an unconfirmed one matches the content of an unmatched server
// comment, in which case the server copy replaces it.
func mergeComments(local, server []Comment, keepConfirmed bool, skip func(string) bool) []Comment {
	out := make([]Comment, 0, len(server)+len(local))
	matched := make(map[string]bool, len(local))

	for _, sc := range server {
		if skip != nil && skip(sc.ID) {
			continue
		}
		c := cloneComment(sc)
		c.State = SyncConfirmed
		if li := indexComment(local, sc.ID); li >= 0 {
			matched[local[li].ID] = true
			c.Replies = mergeComments(local[li].Replies, sc.Replies, keepConfirmed, skip)
		}
		out = append(out, c)
	}

	for _, sc := range server {
		if indexComment(local, sc.ID) >= 0 {
			continue
		}
		for _, lc := range local {
			if matched[lc.ID] || lc.Confirmed() || !sameContent(&lc, &sc) {
				continue
			}
			matched[lc.ID] = true
			if oi := indexComment(out, sc.ID); oi >= 0 {
				out[oi].Replies = mergeComments(lc.Replies, sc.Replies, keepConfirmed, skip)
			}
			break
		}
	}

	for _, lc := range local {
		if matched[lc.ID] {
			continue
		}
		if lc.Confirmed() && !keepConfirmed {
			continue
		}
		if skip != nil && skip(lc.ID) {
			continue
		}
		out = append(out, cloneComment(lc))
	}
	return out
}

func indexComment(list []Comment, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// sameContent is the content match used to pair an optimistic comment with
// its authoritative echo: text, image presence and thread position.
func sameContent(local, server *Comment) bool {
	return local.Text == server.Text &&
		local.hasImages() == server.hasImages() &&
		local.ParentID == server.ParentID
}

// unionStrings appends the entries of add missing from base, preserving order.
func unionStrings(base, add []string) []string {
	out := slices.Clone(base)
	for _, s := range add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// ============================================================================
// Cloning
// ============================================================================

func cloneAnnotations(list []Annotation) []Annotation {
	if list == nil {
		return nil
	}
	out := make([]Annotation, len(list))
	for i := range list {
		out[i] = cloneAnnotation(list[i])
	}
	return out
}

func cloneAnnotation(a Annotation) Annotation {
	out := a
	if a.Style != nil {
		s := *a.Style
		out.Style = &s
	}
	if a.Target.Timestamp != nil {
		ts := *a.Target.Timestamp
		out.Target.Timestamp = &ts
	}
	out.Comments = cloneComments(a.Comments)
	return out
}

func cloneComments(list []Comment) []Comment {
	if list == nil {
		return nil
	}
	out := make([]Comment, len(list))
	for i := range list {
		out[i] = cloneComment(list[i])
	}
	return out
}

func cloneComment(c Comment) Comment {
	out := c
	out.ImageURLs = slices.Clone(c.ImageURLs)
	out.Replies = cloneComments(c.Replies)
	return out
}
