// Package pinmark provides the Go SDK for the Pinmark annotation API and a
// client-side sync engine that keeps annotation state responsive while the
// remote store, the network and collaborators change underneath it.
//
// Example:
//
//	client := pinmark.NewClient("pm-token-...")
//	engine, _ := pinmark.NewEngine("file-123", client, pinmark.NewMemoryQueueStore(), nil)
//	_ = engine.Start(ctx)
//	defer engine.Stop()
//
//	a, _ := engine.CreateAnnotation(pinmark.CreateAnnotationInput{
//		Type:    pinmark.AnnotationPin,
//		Target:  pinmark.Target{Mode: pinmark.TargetRegion, X: 0.4, Y: 0.2},
//		Comment: "Fix this",
//	})
package pinmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "https://api.pinmark.app"
	DefaultTimeout = 30 * time.Second
)

// RemoteStore is the authoritative annotation store the engine submits to.
// Create calls are idempotent on the client-supplied identity: when the
// identity already exists they succeed with a nil record.
type RemoteStore interface {
	CreateAnnotation(ctx context.Context, req CreateAnnotationRequest) (*Annotation, error)
	CreateAnnotationWithImages(ctx context.Context, req CreateAnnotationRequest, images []Image) (*Annotation, error)
	UpdateAnnotation(ctx context.Context, id string, patch AnnotationPatch) (*Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) error
	CreateComment(ctx context.Context, req CreateCommentRequest) (*Comment, error)
	CreateCommentWithImages(ctx context.Context, req CreateCommentRequest, images []Image) (*Comment, error)
	UpdateComment(ctx context.Context, id string, patch CommentPatch) (*Comment, error)
	DeleteComment(ctx context.Context, id string) error
	ListAnnotations(ctx context.Context, fileID string, opts *ListOptions) ([]Annotation, error)
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ RemoteStore = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Pinmark API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) (*Result, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &Result{OK: resp.StatusCode < 300}
	if len(bytes.TrimSpace(data)) > 0 {
		decoded, err := decodeJSON[Result](data)
		if err != nil && resp.StatusCode < 300 {
			return nil, err
		}
		if err == nil {
			result = decoded
		}
	}

	if resp.StatusCode >= 300 || !result.OK {
		apiErr := &APIError{Status: resp.StatusCode, Code: statusCode(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			if result.Error.Code != "" {
				apiErr.Code = result.Error.Code
			}
			if result.Error.Message != "" {
				apiErr.Message = result.Error.Message
			}
		}
		return nil, apiErr
	}
	return result, nil
}

func statusCode(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeUnauthorized
	case http.StatusConflict:
		return CodeConflict
	case http.StatusNotFound:
		return CodeNotFound
	}
	return fmt.Sprintf("HTTP_%d", status)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeResult[T any](res *Result) (*T, error) {
	if res == nil || res.Data == nil {
		return nil, nil
	}
	var v T
	if err := res.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &v, nil
}

// doMultipart posts a JSON document under field plus images as "images" parts.
func (c *Client) doMultipart(ctx context.Context, path, field string, doc interface{}, images []Image) (*Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	if err := w.WriteField(field, string(b)); err != nil {
		return nil, fmt.Errorf("failed to write %s field: %w", field, err)
	}

	for i, img := range images {
		name := img.FileName
		if name == "" {
			name = fmt.Sprintf("image-%d", i+1)
		}
		mimeType := img.MimeType
		if mimeType == "" {
			mimeType = guessMimeType(name)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="%s"`, escapeQuotes(name)))
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, fmt.Errorf("failed to write image data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.send(req)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	if ext == ".webp" {
		return "image/webp"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Annotations
// ============================================================================

func (c *Client) CreateAnnotation(ctx context.Context, req CreateAnnotationRequest) (*Annotation, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/files/"+url.PathEscape(req.FileID)+"/annotations", req, nil)
	if isConflict(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeResult[Annotation](res)
}

func (c *Client) CreateAnnotationWithImages(ctx context.Context, req CreateAnnotationRequest, images []Image) (*Annotation, error) {
	res, err := c.doMultipart(ctx, "/api/files/"+url.PathEscape(req.FileID)+"/annotations", "annotation", req, images)
	if isConflict(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeResult[Annotation](res)
}

func (c *Client) UpdateAnnotation(ctx context.Context, id string, patch AnnotationPatch) (*Annotation, error) {
	res, err := c.doRequest(ctx, http.MethodPatch, "/api/annotations/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Annotation](res)
}

func (c *Client) DeleteAnnotation(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/annotations/"+url.PathEscape(id), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ListAnnotations returns every annotation on a file, optionally scoped to a viewport.
func (c *Client) ListAnnotations(ctx context.Context, fileID string, opts *ListOptions) ([]Annotation, error) {
	var query map[string]string
	if opts != nil && opts.Viewport != "" {
		query = map[string]string{"viewport": opts.Viewport}
	}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/files/"+url.PathEscape(fileID)+"/annotations", nil, query)
	if err != nil {
		return nil, err
	}
	list, err := decodeResult[[]Annotation](res)
	if err != nil || list == nil {
		return nil, err
	}
	return *list, nil
}

// ============================================================================
// Comments
// ============================================================================

func (c *Client) CreateComment(ctx context.Context, req CreateCommentRequest) (*Comment, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/annotations/"+url.PathEscape(req.AnnotationID)+"/comments", req, nil)
	if isConflict(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeResult[Comment](res)
}

// CreateCommentWithImages uploads a comment with attachments. The server
// assigns the comment identity, so req.ID is ignored.
func (c *Client) CreateCommentWithImages(ctx context.Context, req CreateCommentRequest, images []Image) (*Comment, error) {
	doc := req
	doc.ID = ""
	res, err := c.doMultipart(ctx, "/api/annotations/"+url.PathEscape(req.AnnotationID)+"/comments", "comment", doc, images)
	if err != nil {
		return nil, err
	}
	return decodeResult[Comment](res)
}

func (c *Client) UpdateComment(ctx context.Context, id string, patch CommentPatch) (*Comment, error) {
	res, err := c.doRequest(ctx, http.MethodPatch, "/api/comments/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Comment](res)
}

func (c *Client) DeleteComment(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/comments/"+url.PathEscape(id), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSUrl returns the websocket endpoint for this client.
func (c *Client) WSUrl() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if c.token != "" {
		return base + "/ws?token=" + url.QueryEscape(c.token)
	}
	return base + "/ws"
}

// SSEUrl returns the server-sent events endpoint for fileID.
func (c *Client) SSEUrl(fileID string) string {
	params := url.Values{}
	if c.token != "" {
		params.Set("token", c.token)
	}
	params.Set("fileId", fileID)
	return c.baseURL + "/sse?" + params.Encode()
}

// ConnectWS creates a websocket realtime client. Call Connect to establish the connection.
func (c *Client) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return newRealtimeWSClient(c.baseURL, &cfg)
}

// ConnectSSE creates an SSE realtime client.
func (c *Client) ConnectSSE(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return newRealtimeSSEClient(c.baseURL, &cfg)
}
