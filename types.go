package pinmark

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Error codes reported by the remote store.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeConflict     = "CONFLICT"
	CodeNotFound     = "NOT_FOUND"
)

var (
	// ErrEmptyComment is returned when a comment has neither text nor images.
	ErrEmptyComment = errors.New("comment text is required when no images are attached")
	// ErrImageReply is returned when images are attached to a reply.
	ErrImageReply = errors.New("images can only be attached to top-level comments")
	// ErrNestedReply is returned when replying to a reply.
	ErrNestedReply = errors.New("replies cannot have replies")
	// ErrParentUnconfirmed is returned when replying to a comment whose identity is not yet known.
	ErrParentUnconfirmed = errors.New("parent comment is still being saved")
	// ErrCommentUnconfirmed is returned when editing a comment whose identity is not yet known.
	ErrCommentUnconfirmed = errors.New("comment is still being saved")
	// ErrNotFound is returned when the referenced annotation or comment is not in local state.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is reported once when the remote store rejects the session.
	ErrUnauthorized = errors.New("session is not authorized")
	// ErrSessionHalted is returned for network work attempted after an authorization failure.
	ErrSessionHalted = errors.New("sync halted after authorization failure")
	// ErrUnknownOperation is returned when decoding an operation of an unknown kind.
	ErrUnknownOperation = errors.New("unknown operation kind")
	// ErrBackgroundUnavailable is returned by dispatchers that cannot accept work.
	ErrBackgroundUnavailable = errors.New("background retry unavailable")
)

// IsUnauthorized reports whether err is an authorization failure from the remote store.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Code == CodeUnauthorized
	}
	return false
}

// isConflict reports a create that collided with an existing identity.
func isConflict(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusConflict || apiErr.Code == CodeConflict
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound || apiErr.Code == CodeNotFound
	}
	return false
}

// ============================================================================
// Annotations
// ============================================================================

type AnnotationType string

const (
	AnnotationPin       AnnotationType = "pin"
	AnnotationBox       AnnotationType = "box"
	AnnotationHighlight AnnotationType = "highlight"
	AnnotationTimestamp AnnotationType = "timestamp"
)

type TargetMode string

const (
	TargetElement TargetMode = "element"
	TargetRegion  TargetMode = "region"
)

// Target locates an annotation on a file.
type Target struct {
	Mode     TargetMode `json:"mode"`
	Selector string     `json:"selector,omitempty"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Width    float64    `json:"width,omitempty"`
	Height   float64    `json:"height,omitempty"`
	// Timestamp is the media position in seconds for timestamp annotations.
	Timestamp *float64 `json:"timestamp,omitempty"`
	Viewport  string   `json:"viewport,omitempty"`
}

type Style struct {
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
}

// SyncState tracks whether a local record has been acknowledged by the remote store.
type SyncState uint8

const (
	// SyncConfirmed records match the remote store.
	SyncConfirmed SyncState = iota
	// SyncPending records carry their permanent identity but have not been acknowledged.
	SyncPending
	// SyncProvisional records carry a local placeholder identity the server will replace.
	SyncProvisional
)

func (s SyncState) String() string {
	switch s {
	case SyncConfirmed:
		return "confirmed"
	case SyncPending:
		return "pending"
	case SyncProvisional:
		return "provisional"
	}
	return "unknown"
}

type Annotation struct {
	ID        string         `json:"id"`
	FileID    string         `json:"fileId"`
	Type      AnnotationType `json:"type"`
	Target    Target         `json:"target"`
	Style     *Style         `json:"style,omitempty"`
	AuthorID  string         `json:"authorId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// Comments is nil when the payload did not carry a comment list.
	Comments []Comment `json:"comments,omitempty"`

	State SyncState `json:"-"`
}

// Confirmed reports whether the annotation has been acknowledged by the remote store.
func (a *Annotation) Confirmed() bool { return a.State == SyncConfirmed }

// ============================================================================
// Comments
// ============================================================================

type CommentStatus string

const (
	StatusOpen       CommentStatus = "OPEN"
	StatusInProgress CommentStatus = "IN_PROGRESS"
	StatusResolved   CommentStatus = "RESOLVED"
)

type Comment struct {
	ID           string        `json:"id"`
	AnnotationID string        `json:"annotationId"`
	ParentID     string        `json:"parentId,omitempty"`
	Text         string        `json:"text"`
	Status       CommentStatus `json:"status"`
	ImageURLs    []string      `json:"imageUrls,omitempty"`
	AuthorID     string        `json:"authorId,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	// Replies is only populated on top-level comments.
	Replies []Comment `json:"replies,omitempty"`

	State SyncState `json:"-"`
	// attachments counts images still being uploaded with a provisional comment.
	attachments int
}

func (c *Comment) Confirmed() bool { return c.State == SyncConfirmed }

func (c *Comment) IsReply() bool { return c.ParentID != "" }

func (c *Comment) hasImages() bool { return len(c.ImageURLs) > 0 || c.attachments > 0 }

// Image is a binary attachment. Images are uploaded directly and never queued.
type Image struct {
	FileName string
	MimeType string
	Data     []byte
}

// ============================================================================
// Mutation inputs
// ============================================================================

// CreateAnnotationInput describes a new annotation and its optional first comment.
type CreateAnnotationInput struct {
	Type    AnnotationType
	Target  Target
	Style   *Style
	Comment string
	Images  []Image
}

func (in *CreateAnnotationInput) hasComment() bool {
	return strings.TrimSpace(in.Comment) != "" || len(in.Images) > 0
}

// CommentOptions carries the optional parts of AddComment.
type CommentOptions struct {
	ParentID string
	Images   []Image
}

// AnnotationPatch is a partial annotation update. Nil fields are left unchanged.
type AnnotationPatch struct {
	Type   *AnnotationType `json:"type,omitempty"`
	Target *Target         `json:"target,omitempty"`
	Style  *Style          `json:"style,omitempty"`
}

func (p *AnnotationPatch) apply(a *Annotation) {
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Target != nil {
		a.Target = *p.Target
	}
	if p.Style != nil {
		s := *p.Style
		a.Style = &s
	}
}

// CommentPatch is a partial comment update. Nil fields are left unchanged.
type CommentPatch struct {
	Text      *string        `json:"text,omitempty"`
	Status    *CommentStatus `json:"status,omitempty"`
	ImageURLs []string       `json:"imageUrls,omitempty"`
}

func (p *CommentPatch) apply(c *Comment) {
	if p.Text != nil {
		c.Text = *p.Text
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ImageURLs != nil {
		c.ImageURLs = append([]string(nil), p.ImageURLs...)
	}
}

// ============================================================================
// Wire requests
// ============================================================================

// CreateAnnotationRequest is the body of an annotation create. ID is client generated.
type CreateAnnotationRequest struct {
	ID      string         `json:"id"`
	FileID  string         `json:"fileId"`
	Type    AnnotationType `json:"type"`
	Target  Target         `json:"target"`
	Style   *Style         `json:"style,omitempty"`
	Comment *NewComment    `json:"comment,omitempty"`
}

// NewComment is a comment bundled with an annotation create.
type NewComment struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CreateCommentRequest is the body of a comment create. ID is client generated.
type CreateCommentRequest struct {
	ID           string `json:"id"`
	AnnotationID string `json:"annotationId"`
	ParentID     string `json:"parentId,omitempty"`
	Text         string `json:"text"`
}

// ListOptions filters an annotation listing.
type ListOptions struct {
	Viewport string
}
