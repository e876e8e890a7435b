package pinmark

import (
	"context"
	"fmt"
)

// Refresh reloads the file from the remote store and merges the listing
// into local state. Local annotations missing from the listing are kept,
// and unconfirmed comments are layered onto the server copies.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return ErrSessionHalted
	}
	e.loading = true
	e.mu.Unlock()
	e.emit(EngineStateChanged, nil)

	var opts *ListOptions
	if e.opts.Viewport != "" {
		opts = &ListOptions{Viewport: e.opts.Viewport}
	}
	server, err := e.remote.ListAnnotations(ctx, e.fileID, opts)
	if err != nil {
		if IsUnauthorized(err) {
			e.halt(err)
		}
		e.mu.Lock()
		e.loading = false
		if !e.halted {
			e.lastErr = err
		}
		e.mu.Unlock()
		e.emit(EngineStateChanged, nil)
		return fmt.Errorf("list annotations: %w", err)
	}

	e.mu.Lock()
	e.annotations = e.mergeListing(server)
	e.loading = false
	e.lastErr = nil
	e.mu.Unlock()

	e.emit(EngineStateChanged, nil)
	return nil
}

// mergeListing combines a server listing with local state. Callers hold e.mu.
func (e *Engine) mergeListing(server []Annotation) []Annotation {
	out := make([]Annotation, 0, len(server)+len(e.annotations))
	listed := make(map[string]bool, len(server))

	for _, sa := range server {
		if e.tombstones.has(sa.ID) || listed[sa.ID] {
			continue
		}
		listed[sa.ID] = true
		if idx := e.annotationIndex(sa.ID); idx >= 0 {
			out = append(out, mergeAnnotation(&e.annotations[idx], sa, false, e.tombstones.has))
			continue
		}
		out = append(out, e.authoritative(sa))
	}

	// Identities the server does not list are presumed still in flight.
	for _, la := range e.annotations {
		if !listed[la.ID] {
			out = append(out, cloneAnnotation(la))
		}
	}
	return out
}
