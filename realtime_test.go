package pinmark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func mustEventFrame(t *testing.T, ev Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestRealtimeWSClientDeliversFileEvents(t *testing.T) {
	joined := make(chan string, 1)
	tokens := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		auth := Event{Type: frameAuthenticated, Data: mustRaw(t, AuthenticatedPayload{UserID: "user-1"})}
		if conn.Write(ctx, websocket.MessageText, mustEventFrame(t, auth)) != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) == nil && cmd.Type == "file.join" {
			joined <- cmd.Payload["fileId"]
		}

		frames := [][]byte{
			[]byte("not json"),
			mustEventFrame(t, Event{Type: EventCommentDeleted, FileID: "file-2", Data: mustRaw(t, DeletedPayload{ID: "c-9"})}),
			mustEventFrame(t, Event{
				Type:      EventAnnotationDeleted,
				Timestamp: 1700000000000,
				UserID:    "user-2",
				FileID:    "file-1",
				Data:      mustRaw(t, DeletedPayload{ID: "ann-1"}),
			}),
		}
		for _, f := range frames {
			if conn.Write(ctx, websocket.MessageText, f) != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient("secret token", WithBaseURL(srv.URL))
	ws := client.ConnectWS(nil)

	events := make(chan Event, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	unsubscribe, err := ws.Subscribe(ctx, "file-1", func(ev Event) { events <- ev }, nil)
	require.NoError(t, err)
	defer func() {
		unsubscribe()
		_ = ws.Disconnect()
	}()

	assert.Equal(t, StateConnected, ws.State())
	assert.Equal(t, "secret token", <-tokens)

	select {
	case file := <-joined:
		assert.Equal(t, "file-1", file)
	case <-time.After(5 * time.Second):
		t.Fatal("file was never joined")
	}

	ev := receiveEvent(t, events)
	assert.Equal(t, EventAnnotationDeleted, ev.Type, "malformed and foreign frames are skipped")
	assert.Equal(t, "user-2", ev.UserID)

	var p DeletedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, "ann-1", p.ID)
}

func TestRealtimeWSClientRejectsMissingAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"error","data":{"message":"bad token"}}`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ws := NewClient("tok", WithBaseURL(srv.URL)).ConnectWS(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ws.Subscribe(ctx, "file-1", func(Event) {}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), frameAuthenticated)
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestRealtimeSSEClientDeliversEvents(t *testing.T) {
	files := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		files <- r.URL.Query().Get("fileId")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		lines := []string{
			": heartbeat",
			"data: {broken",
			"data: " + string(mustEventFrame(t, Event{Type: frameAuthenticated})),
			"data: " + string(mustEventFrame(t, Event{
				Type:   EventCommentImagesUploaded,
				FileID: "file-1",
				Data:   mustRaw(t, ImagesPayload{CommentID: "c-1", AnnotationID: "ann-1", ImageURLs: []string{"https://cdn.example.com/1.png"}}),
			})),
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	sse := NewClient("tok", WithBaseURL(srv.URL)).ConnectSSE(nil)
	events := make(chan Event, 4)
	unsubscribe, err := sse.Subscribe(context.Background(), "file-1", func(ev Event) { events <- ev }, nil)
	require.NoError(t, err)
	defer unsubscribe()

	assert.Equal(t, "file-1", <-files)
	ev := receiveEvent(t, events)
	assert.Equal(t, EventCommentImagesUploaded, ev.Type)

	var p ImagesPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, []string{"https://cdn.example.com/1.png"}, p.ImageURLs)

	_, err = sse.Subscribe(context.Background(), "file-2", func(Event) {}, nil)
	assert.Error(t, err, "an sse stream serves one file")
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})
	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 150*time.Millisecond)

	r.nextDelay()
	third := r.nextDelay()
	assert.GreaterOrEqual(t, third, 400*time.Millisecond)
	assert.False(t, r.shouldReconnect())
}
