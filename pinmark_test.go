package pinmark

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"ok": status < 300}
	if data != nil {
		body["data"] = data
	}
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestClientCreateAnnotation(t *testing.T) {
	var gotAuth, gotPath string
	var got CreateAnnotationRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(t, w, http.StatusCreated, Annotation{ID: got.ID, FileID: got.FileID, Type: got.Type})
	})

	a, err := client.CreateAnnotation(context.Background(), CreateAnnotationRequest{
		ID:      "ann-1",
		FileID:  "file-1",
		Type:    AnnotationBox,
		Comment: &NewComment{ID: "c-1", Text: "Fix this"},
	})
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "/api/files/file-1/annotations", gotPath)
	assert.Equal(t, "ann-1", a.ID)
	require.NotNil(t, got.Comment)
	assert.Equal(t, "c-1", got.Comment.ID)
}

func TestClientConflictIsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"ok":false,"error":{"code":"CONFLICT","message":"exists"}}`)
	})

	a, err := client.CreateAnnotation(context.Background(), CreateAnnotationRequest{ID: "ann-1", FileID: "file-1"})
	require.NoError(t, err)
	assert.Nil(t, a)

	c, err := client.CreateComment(context.Background(), CreateCommentRequest{ID: "c-1", AnnotationID: "ann-1", Text: "x"})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestClientUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.ListAnnotations(context.Background(), "file-1", nil)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeUnauthorized, apiErr.Code)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClientEnvelopeError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"ok":false,"error":{"code":"UNAUTHORIZED","message":"session expired"}}`)
	})

	_, err := client.UpdateComment(context.Background(), "c-1", CommentPatch{})
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "session expired")
}

func TestClientDeleteIgnoresNotFound(t *testing.T) {
	var methods []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, client.DeleteAnnotation(context.Background(), "ann-1"))
	require.NoError(t, client.DeleteComment(context.Background(), "c-1"))
	assert.Equal(t, []string{"DELETE /api/annotations/ann-1", "DELETE /api/comments/c-1"}, methods)
}

func TestClientListAnnotationsViewport(t *testing.T) {
	var gotViewport string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotViewport = r.URL.Query().Get("viewport")
		writeEnvelope(t, w, http.StatusOK, []Annotation{
			{ID: "ann-1", Comments: []Comment{{ID: "c-1", Text: "hello"}}},
		})
	})

	list, err := client.ListAnnotations(context.Background(), "file-1", &ListOptions{Viewport: "mobile"})
	require.NoError(t, err)
	assert.Equal(t, "mobile", gotViewport)
	require.Len(t, list, 1)
	assert.True(t, list[0].Confirmed())
	require.Len(t, list[0].Comments, 1)
	assert.True(t, list[0].Comments[0].Confirmed())
}

func TestClientCreateCommentWithImages(t *testing.T) {
	var (
		doc       CreateCommentRequest
		fileNames []string
		types     []string
		payload   []string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("comment")), &doc))
		for _, fh := range r.MultipartForm.File["images"] {
			fileNames = append(fileNames, fh.Filename)
			types = append(types, fh.Header.Get("Content-Type"))
			f, err := fh.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(f)
			require.NoError(t, err)
			_ = f.Close()
			payload = append(payload, string(b))
		}
		writeEnvelope(t, w, http.StatusCreated, Comment{
			ID:           "server-c-1",
			AnnotationID: doc.AnnotationID,
			Text:         doc.Text,
			ImageURLs:    []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b"},
		})
	})

	c, err := client.CreateCommentWithImages(context.Background(), CreateCommentRequest{
		ID:           "local-id",
		AnnotationID: "ann-1",
		Text:         "see screenshot",
	}, []Image{
		{FileName: "a.png", Data: []byte("png-bytes")},
		{Data: []byte("raw"), MimeType: "image/jpeg"},
	})
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Empty(t, doc.ID, "upload endpoint assigns the identity")
	assert.Equal(t, "ann-1", doc.AnnotationID)
	assert.Equal(t, []string{"a.png", "image-2"}, fileNames)
	assert.Equal(t, []string{"image/png", "image/jpeg"}, types)
	assert.Equal(t, []string{"png-bytes", "raw"}, payload)
	assert.Equal(t, "server-c-1", c.ID)
	assert.Len(t, c.ImageURLs, 2)
}

func TestGuessMimeType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"photo.png", "image/png"},
		{"photo.JPG", "image/jpeg"},
		{"anim.webp", "image/webp"},
		{"noext", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guessMimeType(tt.name))
		})
	}
}

func TestClientRealtimeURLs(t *testing.T) {
	client := NewClient("tok en", WithBaseURL("https://api.example.com"))
	assert.Equal(t, "wss://api.example.com/ws?token=tok+en", client.WSUrl())
	assert.Equal(t, "https://api.example.com/sse?fileId=file-1&token=tok+en", client.SSEUrl("file-1"))
}
