package pinmark

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind names the mutation a PendingOperation carries.
type OpKind string

const (
	OpCreateAnnotation            OpKind = "create-annotation"
	OpCreateAnnotationWithComment OpKind = "create-annotation-with-comment"
	OpUpdateAnnotation            OpKind = "update-annotation"
	OpDeleteAnnotation            OpKind = "delete-annotation"
	OpCreateComment               OpKind = "create-comment"
	OpUpdateComment               OpKind = "update-comment"
	OpDeleteComment               OpKind = "delete-comment"
)

// OpPayload is implemented by the payload types below and nothing else.
type OpPayload interface {
	Kind() OpKind
	isOpPayload()
}

type CreateAnnotationPayload struct {
	Request CreateAnnotationRequest `json:"request"`
}

type CreateAnnotationWithCommentPayload struct {
	Request CreateAnnotationRequest `json:"request"`
}

type UpdateAnnotationPayload struct {
	AnnotationID string          `json:"annotationId"`
	Patch        AnnotationPatch `json:"patch"`
}

type DeleteAnnotationPayload struct {
	AnnotationID string `json:"annotationId"`
}

type CreateCommentPayload struct {
	Request CreateCommentRequest `json:"request"`
}

type UpdateCommentPayload struct {
	CommentID    string       `json:"commentId"`
	AnnotationID string       `json:"annotationId"`
	Patch        CommentPatch `json:"patch"`
}

type DeleteCommentPayload struct {
	CommentID    string `json:"commentId"`
	AnnotationID string `json:"annotationId"`
}

func (CreateAnnotationPayload) Kind() OpKind            { return OpCreateAnnotation }
func (CreateAnnotationWithCommentPayload) Kind() OpKind { return OpCreateAnnotationWithComment }
func (UpdateAnnotationPayload) Kind() OpKind            { return OpUpdateAnnotation }
func (DeleteAnnotationPayload) Kind() OpKind            { return OpDeleteAnnotation }
func (CreateCommentPayload) Kind() OpKind               { return OpCreateComment }
func (UpdateCommentPayload) Kind() OpKind               { return OpUpdateComment }
func (DeleteCommentPayload) Kind() OpKind               { return OpDeleteComment }

func (CreateAnnotationPayload) isOpPayload()            {}
func (CreateAnnotationWithCommentPayload) isOpPayload() {}
func (UpdateAnnotationPayload) isOpPayload()            {}
func (DeleteAnnotationPayload) isOpPayload()            {}
func (CreateCommentPayload) isOpPayload()               {}
func (UpdateCommentPayload) isOpPayload()               {}
func (DeleteCommentPayload) isOpPayload()               {}

// PendingOperation is a queued mutation waiting for the remote store to acknowledge it.
type PendingOperation struct {
	ID         string
	FileID     string
	Payload    OpPayload
	RetryCount int
	CreatedAt  time.Time
}

// NewOperation wraps payload in a fresh operation scoped to fileID.
func NewOperation(fileID string, payload OpPayload) PendingOperation {
	return PendingOperation{
		ID:        uuid.NewString(),
		FileID:    fileID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Kind returns the payload kind, or "" for an empty operation.
func (op PendingOperation) Kind() OpKind {
	if op.Payload == nil {
		return ""
	}
	return op.Payload.Kind()
}

// Tag identifies the operation to a background retry context.
func (op PendingOperation) Tag() RetryTag {
	return RetryTag{FileID: op.FileID, OperationID: op.ID}
}

// EntityID returns the identity of the annotation or comment the operation targets.
func (op PendingOperation) EntityID() string {
	switch p := op.Payload.(type) {
	case CreateAnnotationPayload:
		return p.Request.ID
	case CreateAnnotationWithCommentPayload:
		return p.Request.ID
	case UpdateAnnotationPayload:
		return p.AnnotationID
	case DeleteAnnotationPayload:
		return p.AnnotationID
	case CreateCommentPayload:
		return p.Request.ID
	case UpdateCommentPayload:
		return p.CommentID
	case DeleteCommentPayload:
		return p.CommentID
	}
	return ""
}

// createsComment reports whether op creates the comment with the given identity.
func (op PendingOperation) createsComment(commentID string) bool {
	switch p := op.Payload.(type) {
	case CreateCommentPayload:
		return p.Request.ID == commentID
	case CreateAnnotationWithCommentPayload:
		return p.Request.Comment != nil && p.Request.Comment.ID == commentID
	}
	return false
}

// createsAnnotation reports whether op creates the annotation with the given identity.
func (op PendingOperation) createsAnnotation(annotationID string) bool {
	switch p := op.Payload.(type) {
	case CreateAnnotationPayload:
		return p.Request.ID == annotationID
	case CreateAnnotationWithCommentPayload:
		return p.Request.ID == annotationID
	}
	return false
}

type operationJSON struct {
	ID         string          `json:"id"`
	FileID     string          `json:"fileId"`
	Kind       OpKind          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retryCount"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (op PendingOperation) MarshalJSON() ([]byte, error) {
	if op.Payload == nil {
		return nil, fmt.Errorf("operation %s: missing payload", op.ID)
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.ID, err)
	}
	return json.Marshal(operationJSON{
		ID:         op.ID,
		FileID:     op.FileID,
		Kind:       op.Payload.Kind(),
		Payload:    payload,
		RetryCount: op.RetryCount,
		CreatedAt:  op.CreatedAt,
	})
}

func (op *PendingOperation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var (
		payload OpPayload
		err     error
	)
	switch raw.Kind {
	case OpCreateAnnotation:
		payload, err = decodePayload[CreateAnnotationPayload](raw.Payload)
	case OpCreateAnnotationWithComment:
		payload, err = decodePayload[CreateAnnotationWithCommentPayload](raw.Payload)
	case OpUpdateAnnotation:
		payload, err = decodePayload[UpdateAnnotationPayload](raw.Payload)
	case OpDeleteAnnotation:
		payload, err = decodePayload[DeleteAnnotationPayload](raw.Payload)
	case OpCreateComment:
		payload, err = decodePayload[CreateCommentPayload](raw.Payload)
	case OpUpdateComment:
		payload, err = decodePayload[UpdateCommentPayload](raw.Payload)
	case OpDeleteComment:
		payload, err = decodePayload[DeleteCommentPayload](raw.Payload)
	default:
		return fmt.Errorf("operation %s: %w: %q", raw.ID, ErrUnknownOperation, raw.Kind)
	}
	if err != nil {
		return fmt.Errorf("operation %s: decode %s payload: %w", raw.ID, raw.Kind, err)
	}

	*op = PendingOperation{
		ID:         raw.ID,
		FileID:     raw.FileID,
		Payload:    payload,
		RetryCount: raw.RetryCount,
		CreatedAt:  raw.CreatedAt,
	}
	return nil
}

func decodePayload[T OpPayload](data json.RawMessage) (OpPayload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
