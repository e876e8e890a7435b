package pinmark

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshPreservesUnsyncedWork(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, nil, nil)
	seed(e,
		Annotation{ID: "ann-1", Comments: []Comment{
			{ID: "c-1", AnnotationID: "ann-1", Text: "old text"},
			{ID: "c-gone", AnnotationID: "ann-1", Text: "deleted elsewhere"},
			{ID: "c-2", AnnotationID: "ann-1", Text: "still sending", State: SyncPending},
		}},
		Annotation{ID: "ann-local", State: SyncPending},
	)
	remote.setListing([]Annotation{
		{ID: "ann-1", Type: AnnotationBox, Comments: []Comment{
			{ID: "c-1", AnnotationID: "ann-1", Text: "new text"},
			{ID: "c-3", AnnotationID: "ann-1", Text: "from a teammate"},
		}},
		{ID: "ann-2", Type: AnnotationPin},
	})

	require.NoError(t, e.Refresh(context.Background()))

	list, loading, err := e.Snapshot()
	require.NoError(t, err)
	assert.False(t, loading)
	require.Len(t, list, 3)

	assert.Equal(t, "ann-1", list[0].ID)
	assert.Equal(t, AnnotationBox, list[0].Type)
	assert.Equal(t, []string{"new text", "from a teammate", "still sending"}, commentTexts(list[0].Comments))
	assert.Equal(t, SyncPending, list[0].Comments[2].State)

	assert.Equal(t, "ann-2", list[1].ID)
	assert.True(t, list[1].Confirmed())

	assert.Equal(t, "ann-local", list[2].ID, "unlisted annotations are presumed in flight")
	assert.Equal(t, SyncPending, list[2].State)
}

func TestRefreshMatchesEchoedComment(t *testing.T) {
	remote := newFakeRemote()
	e := newTestEngine(t, remote, nil, nil)
	seed(e, Annotation{ID: "ann-1", Comments: []Comment{
		{ID: "local-c", AnnotationID: "ann-1", Text: "screenshot", State: SyncProvisional, attachments: 1},
	}})
	remote.setListing([]Annotation{{ID: "ann-1", Comments: []Comment{
		{ID: "srv-c", AnnotationID: "ann-1", Text: "screenshot", ImageURLs: []string{"https://cdn.example.com/1.png"}},
	}}})

	require.NoError(t, e.Refresh(context.Background()))

	comments := snapshot(t, e)[0].Comments
	require.Len(t, comments, 1)
	assert.Equal(t, "srv-c", comments[0].ID)
	assert.True(t, comments[0].Confirmed())
}

func TestRefreshSkipsTombstones(t *testing.T) {
	remote := newFakeRemote()
	remote.gate = make(chan struct{})
	e := newTestEngine(t, remote, nil, nil)
	seed(e, Annotation{ID: "ann-1"}, Annotation{ID: "ann-2", Comments: []Comment{{ID: "c-1", AnnotationID: "ann-2"}}})

	require.NoError(t, e.DeleteAnnotation("ann-1"))
	require.NoError(t, e.DeleteComment("c-1"))
	remote.setListing([]Annotation{
		{ID: "ann-1"},
		{ID: "ann-2", Comments: []Comment{{ID: "c-1", AnnotationID: "ann-2"}}},
	})
	close(remote.gate)

	require.NoError(t, e.Refresh(context.Background()))
	e.Wait()

	list := snapshot(t, e)
	require.Len(t, list, 1)
	assert.Equal(t, "ann-2", list[0].ID)
	assert.Empty(t, list[0].Comments)
}

func TestRefreshFailureKeepsState(t *testing.T) {
	remote := newFakeRemote()
	remote.failWith("ListAnnotations", errors.New("gateway timeout"))
	e := newTestEngine(t, remote, nil, nil)
	seed(e, Annotation{ID: "ann-1"})

	err := e.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway timeout")

	list, loading, lastErr := e.Snapshot()
	assert.Len(t, list, 1)
	assert.False(t, loading)
	assert.Error(t, lastErr)
	assert.False(t, e.Halted())
}

func TestRefreshUnauthorizedHalts(t *testing.T) {
	remote := newFakeRemote()
	remote.failWith("ListAnnotations", errUnauthorizedResponse)
	e := newTestEngine(t, remote, nil, nil)

	require.Error(t, e.Refresh(context.Background()))
	assert.True(t, e.Halted())
	_, _, lastErr := e.Snapshot()
	assert.ErrorIs(t, lastErr, ErrUnauthorized)
}
