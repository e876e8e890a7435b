package pinmark

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType names a realtime event broadcast for a file.
type EventType string

const (
	EventAnnotationCreated     EventType = "annotation-created"
	EventAnnotationUpdated     EventType = "annotation-updated"
	EventAnnotationDeleted     EventType = "annotation-deleted"
	EventCommentCreated        EventType = "comment-created"
	EventCommentUpdated        EventType = "comment-updated"
	EventCommentDeleted        EventType = "comment-deleted"
	EventCommentImagesUploaded EventType = "comment-images-uploaded"
)

// Control frames exchanged on the realtime connection.
const (
	frameAuthenticated = "authenticated"
	framePong          = "pong"
	frameError         = "error"
)

// Event is the wire format for realtime frames. File events carry an
// Annotation, a Comment, a DeletedPayload or an ImagesPayload in Data.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId"`
	FileID    string          `json:"fileId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeletedPayload is the data of annotation-deleted and comment-deleted events.
type DeletedPayload struct {
	ID           string `json:"id"`
	AnnotationID string `json:"annotationId,omitempty"`
}

// ImagesPayload is the data of comment-images-uploaded events.
type ImagesPayload struct {
	CommentID    string   `json:"commentId"`
	AnnotationID string   `json:"annotationId"`
	ImageURLs    []string `json:"imageUrls"`
}

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeCommand is a client-to-server command (websocket only).
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EventSource delivers file-scoped realtime events. onError receives
// transport failures; the source is expected to reconnect on its own.
type EventSource interface {
	Subscribe(ctx context.Context, fileID string, onEvent func(Event), onError func(error)) (unsubscribe func(), err error)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime clients.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type fileSubscription struct {
	fileID  string
	onEvent func(Event)
	onError func(error)
}

type eventDispatcher struct {
	mu             sync.RWMutex
	next           int
	subs           map[int]fileSubscription
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{subs: make(map[int]fileSubscription)}
}

func (d *eventDispatcher) add(sub fileSubscription) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.subs[id] = sub
	return id
}

// remove drops a subscription and reports whether others remain for its file.
func (d *eventDispatcher) remove(id int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[id]
	if !ok {
		return "", true
	}
	delete(d.subs, id)
	for _, other := range d.subs {
		if other.fileID == sub.fileID {
			return sub.fileID, true
		}
	}
	return sub.fileID, false
}

func (d *eventDispatcher) files() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]struct{})
	var files []string
	for _, sub := range d.subs {
		if _, ok := seen[sub.fileID]; ok {
			continue
		}
		seen[sub.fileID] = struct{}{}
		files = append(files, sub.fileID)
	}
	return files
}

// dispatch delivers file events in arrival order on the caller's goroutine.
func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	var targets []func(Event)
	for _, sub := range d.subs {
		if ev.FileID == "" || ev.FileID == sub.fileID {
			targets = append(targets, sub.onEvent)
		}
	}
	d.mu.RUnlock()
	for _, h := range targets {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(ev)
		}()
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	var targets []func(error)
	for _, sub := range d.subs {
		if sub.onError != nil {
			targets = append(targets, sub.onError)
		}
	}
	d.mu.RUnlock()
	for _, h := range targets {
		go h(err)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a websocket realtime client with auto-reconnect and
// heartbeat. Joined files are re-joined after every reconnect.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

var _ EventSource = (*RealtimeWSClient)(nil)

func newRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeWSClient{
		baseURL:      baseURL,
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a handler for successful (re)connections.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for connection loss.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Subscribe joins fileID, connecting first if needed.
func (ws *RealtimeWSClient) Subscribe(ctx context.Context, fileID string, onEvent func(Event), onError func(error)) (func(), error) {
	id := ws.dispatcher.add(fileSubscription{fileID: fileID, onEvent: onEvent, onError: onError})

	if ws.State() == StateConnected {
		if err := ws.join(ctx, fileID); err != nil {
			ws.dispatcher.remove(id)
			return nil, err
		}
	} else if err := ws.Connect(ctx); err != nil {
		ws.dispatcher.remove(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			file, shared := ws.dispatcher.remove(id)
			if !shared && ws.State() == StateConnected {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ws.Send(ctx, &RealtimeCommand{Type: "file.leave", Payload: map[string]string{"fileId": file}})
			}
		})
	}, nil
}

func (ws *RealtimeWSClient) join(ctx context.Context, fileID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "file.join",
		Payload: map[string]string{"fileId": fileID},
	})
}

// Connect establishes the websocket connection and joins every subscribed file.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(ws.config.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", frameAuthenticated, ev.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	for _, fileID := range ws.dispatcher.files() {
		if err := ws.join(ctx, fileID); err != nil {
			ws.dispatcher.emitError(fmt.Errorf("join %s: %w", fileID, err))
		}
	}
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Send sends a raw command over the websocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan PongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())
			ws.dispatcher.emitError(fmt.Errorf("realtime connection lost: %w", err))

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var ev Event
		if json.Unmarshal(data, &ev) != nil {
			continue
		}

		switch ev.Type {
		case framePong:
			var p PongPayload
			if json.Unmarshal(ev.Data, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case frameError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(ev.Data, &p)
			ws.dispatcher.emitError(fmt.Errorf("realtime server error: %s", p.Message))
		case frameAuthenticated:
		default:
			ws.dispatcher.dispatch(ev)
		}
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so readLoop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect(ctx context.Context) {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		if !sleepCtx(ctx, delay) {
			return
		}
		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		ws.dispatcher.emitError(fmt.Errorf("realtime reconnect: %w", err))
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE realtime client (server-push only) with
// auto-reconnect. Each stream is scoped to one file.
type RealtimeSSEClient struct {
	baseURL          string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	fileID           string
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

var _ EventSource = (*RealtimeSSEClient)(nil)

func newRealtimeSSEClient(baseURL string, config *RealtimeConfig) *RealtimeSSEClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeSSEClient{
		baseURL:    baseURL,
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Subscribe opens the event stream for fileID. An SSE client serves a single file.
func (sse *RealtimeSSEClient) Subscribe(ctx context.Context, fileID string, onEvent func(Event), onError func(error)) (func(), error) {
	sse.mu.Lock()
	if sse.fileID != "" && sse.fileID != fileID {
		sse.mu.Unlock()
		return nil, fmt.Errorf("sse stream already bound to file %s", sse.fileID)
	}
	sse.fileID = fileID
	sse.mu.Unlock()

	id := sse.dispatcher.add(fileSubscription{fileID: fileID, onEvent: onEvent, onError: onError})
	if err := sse.Connect(ctx); err != nil {
		sse.dispatcher.remove(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, shared := sse.dispatcher.remove(id); !shared {
				_ = sse.Disconnect()
			}
		})
	}, nil
}

// Connect establishes the SSE connection.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	fileID := sse.fileID
	sse.mu.Unlock()

	params := url.Values{}
	params.Set("token", sse.config.Token)
	params.Set("fileId", fileID)
	sseURL := sse.baseURL + "/sse?" + params.Encode()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sseURL, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)

	return nil
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			var ev Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
				continue
			}
			switch ev.Type {
			case frameAuthenticated, framePong:
			case frameError:
				var p RealtimeErrorPayload
				_ = json.Unmarshal(ev.Data, &p)
				sse.dispatcher.emitError(fmt.Errorf("realtime server error: %s", p.Message))
			default:
				sse.dispatcher.dispatch(ev)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.dispatcher.emitDisconnected(0, "stream ended")
	sse.dispatcher.emitError(fmt.Errorf("realtime stream ended"))

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect(context.Background())
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect(ctx context.Context) {
	for {
		delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

		if !sleepCtx(ctx, delay) {
			return
		}

		sse.mu.Lock()
		intentional := sse.intentionalClose
		sse.mu.Unlock()
		if intentional {
			return
		}

		err := sse.Connect(ctx)
		if err == nil {
			return
		}
		sse.dispatcher.emitError(fmt.Errorf("realtime reconnect: %w", err))
		if !sse.config.AutoReconnect || !sse.recon.shouldReconnect() {
			sse.setState(StateDisconnected)
			return
		}
	}
}
