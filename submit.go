package pinmark

import (
	"context"
	"fmt"
)

// SubmitResult holds the authoritative record returned for a submitted
// operation. Both fields are nil for deletes and for creates the remote
// store already knew about.
type SubmitResult struct {
	Annotation *Annotation `json:"annotation,omitempty"`
	Comment    *Comment    `json:"comment,omitempty"`
}

// Submit sends op to the remote store immediately.
func Submit(ctx context.Context, remote RemoteStore, op PendingOperation) (SubmitResult, error) {
	var (
		res SubmitResult
		err error
	)
	switch p := op.Payload.(type) {
	case CreateAnnotationPayload:
		res.Annotation, err = remote.CreateAnnotation(ctx, p.Request)
	case CreateAnnotationWithCommentPayload:
		res.Annotation, err = remote.CreateAnnotation(ctx, p.Request)
	case UpdateAnnotationPayload:
		res.Annotation, err = remote.UpdateAnnotation(ctx, p.AnnotationID, p.Patch)
	case DeleteAnnotationPayload:
		err = remote.DeleteAnnotation(ctx, p.AnnotationID)
	case CreateCommentPayload:
		res.Comment, err = remote.CreateComment(ctx, p.Request)
	case UpdateCommentPayload:
		res.Comment, err = remote.UpdateComment(ctx, p.CommentID, p.Patch)
	case DeleteCommentPayload:
		err = remote.DeleteComment(ctx, p.CommentID)
	default:
		return res, fmt.Errorf("submit %s: %w: %T", op.ID, ErrUnknownOperation, op.Payload)
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit %s %s: %w", op.Kind(), op.EntityID(), err)
	}
	return res, nil
}
