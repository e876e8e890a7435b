package pinmark

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of a completion body.
const SignatureHeader = "X-Pinmark-Signature"

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the "sha256=" prefixed HMAC-SHA256 signature of body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a completion webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseCompletion parses a raw webhook body into a RetryCompletion.
func ParseCompletion(body string) (*RetryCompletion, error) {
	var c RetryCompletion
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if c.Tag.OperationID == "" || c.Tag.FileID == "" {
		return nil, fmt.Errorf("missing tag in completion payload")
	}
	if c.Operation != nil && c.Operation.ID != c.Tag.OperationID {
		return nil, fmt.Errorf("completion tag %s does not match operation %s", c.Tag.OperationID, c.Operation.ID)
	}
	return &c, nil
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier delivers completions as signed HTTP POSTs, for engines
// that cannot reach the worker's Redis.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

var _ CompletionNotifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url, secret string, httpClient *http.Client) (*WebhookNotifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, httpClient: httpClient}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, c RetryCompletion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignWebhookBody(body, n.secret))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deliver completion (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// ============================================================================
// CompletionWebhook
// ============================================================================

// CompletionWebhook receives signed completions and relays them to subscribers,
// so it can be handed to an Engine as its CompletionSource.
type CompletionWebhook struct {
	completionHub
	secret string
}

var _ CompletionSource = (*CompletionWebhook)(nil)

// NewCompletionWebhook creates a receiver that verifies signatures with secret.
func NewCompletionWebhook(secret string) (*CompletionWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &CompletionWebhook{secret: secret}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *CompletionWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + relay).
// Returns the status code and response body for the caller to write.
func (w *CompletionWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	c, err := ParseCompletion(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.publish(*c)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes completion requests.
//
// Example:
//
//	wh, _ := pinmark.NewCompletionWebhook("secret")
//	http.Handle("/pinmark/completions", wh.HTTPHandler())
func (w *CompletionWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
