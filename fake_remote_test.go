package pinmark

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// fakeRemote is an in-memory RemoteStore that echoes requests as server
// records and can be told to fail.
type fakeRemote struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	listing  []Annotation
	// gate, when set, blocks every call until it is closed.
	gate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{failures: make(map[string]error)}
}

var errUnauthorizedResponse = &APIError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: "token expired"}

func (f *fakeRemote) failWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

func (f *fakeRemote) setListing(list []Annotation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = cloneAnnotations(list)
}

func (f *fakeRemote) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if err, ok := f.failures[method]; ok {
		return err
	}
	if err, ok := f.failures["*"]; ok {
		return err
	}
	return nil
}

var fakeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (f *fakeRemote) CreateAnnotation(ctx context.Context, req CreateAnnotationRequest) (*Annotation, error) {
	if err := f.enter(ctx, "CreateAnnotation"); err != nil {
		return nil, err
	}
	a := &Annotation{ID: req.ID, FileID: req.FileID, Type: req.Type, Target: req.Target, Style: req.Style, CreatedAt: fakeNow, UpdatedAt: fakeNow}
	if req.Comment != nil {
		a.Comments = []Comment{{ID: req.Comment.ID, AnnotationID: req.ID, Text: req.Comment.Text, Status: StatusOpen, CreatedAt: fakeNow}}
	}
	return a, nil
}

func (f *fakeRemote) CreateAnnotationWithImages(ctx context.Context, req CreateAnnotationRequest, images []Image) (*Annotation, error) {
	if err := f.enter(ctx, "CreateAnnotationWithImages"); err != nil {
		return nil, err
	}
	a := &Annotation{ID: req.ID, FileID: req.FileID, Type: req.Type, Target: req.Target, CreatedAt: fakeNow, UpdatedAt: fakeNow}
	if req.Comment != nil {
		a.Comments = []Comment{{
			ID:           "srv-" + req.Comment.ID,
			AnnotationID: req.ID,
			Text:         req.Comment.Text,
			Status:       StatusOpen,
			ImageURLs:    fakeImageURLs(images),
			CreatedAt:    fakeNow,
		}}
	}
	return a, nil
}

func (f *fakeRemote) UpdateAnnotation(ctx context.Context, id string, patch AnnotationPatch) (*Annotation, error) {
	if err := f.enter(ctx, "UpdateAnnotation"); err != nil {
		return nil, err
	}
	a := &Annotation{ID: id, UpdatedAt: fakeNow}
	patch.apply(a)
	return a, nil
}

func (f *fakeRemote) DeleteAnnotation(ctx context.Context, id string) error {
	return f.enter(ctx, "DeleteAnnotation")
}

func (f *fakeRemote) CreateComment(ctx context.Context, req CreateCommentRequest) (*Comment, error) {
	if err := f.enter(ctx, "CreateComment"); err != nil {
		return nil, err
	}
	return &Comment{ID: req.ID, AnnotationID: req.AnnotationID, ParentID: req.ParentID, Text: req.Text, Status: StatusOpen, CreatedAt: fakeNow}, nil
}

func (f *fakeRemote) CreateCommentWithImages(ctx context.Context, req CreateCommentRequest, images []Image) (*Comment, error) {
	if err := f.enter(ctx, "CreateCommentWithImages"); err != nil {
		return nil, err
	}
	return &Comment{
		ID:           "srv-" + req.ID,
		AnnotationID: req.AnnotationID,
		Text:         req.Text,
		Status:       StatusOpen,
		ImageURLs:    fakeImageURLs(images),
		CreatedAt:    fakeNow,
	}, nil
}

func (f *fakeRemote) UpdateComment(ctx context.Context, id string, patch CommentPatch) (*Comment, error) {
	if err := f.enter(ctx, "UpdateComment"); err != nil {
		return nil, err
	}
	c := &Comment{ID: id}
	patch.apply(c)
	return c, nil
}

func (f *fakeRemote) DeleteComment(ctx context.Context, id string) error {
	return f.enter(ctx, "DeleteComment")
}

func (f *fakeRemote) ListAnnotations(ctx context.Context, fileID string, _ *ListOptions) ([]Annotation, error) {
	if err := f.enter(ctx, "ListAnnotations"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneAnnotations(f.listing), nil
}

func fakeImageURLs(images []Image) []string {
	urls := make([]string, len(images))
	for i := range images {
		urls[i] = fmt.Sprintf("https://cdn.example.com/%d.png", i+1)
	}
	return urls
}

var _ RemoteStore = (*fakeRemote)(nil)
