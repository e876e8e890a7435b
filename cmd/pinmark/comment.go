package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pinmark "github.com/pinmark-hq/pinmark/sdk/golang"
)

var commentFlags struct {
	ParentID string
	Images   []string
}

func init() {
	commentCmd.Flags().StringVar(&commentFlags.ParentID, "parent", "", "reply to this comment")
	commentCmd.Flags().StringSliceVar(&commentFlags.Images, "image", nil, "attach an image (repeatable, top-level comments only)")
	rootCmd.AddCommand(commentCmd)
}

var commentCmd = &cobra.Command{
	Use:   "comment <file-id> <annotation-id> [text]",
	Short: "Add a comment or reply to an annotation",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fileID, annotationID := args[0], args[1]
		var text string
		if len(args) == 3 {
			text = args[2]
		}

		images, err := readImages(commentFlags.Images)
		if err != nil {
			return err
		}

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		e, err := s.engine(ctx, fileID, false)
		if err != nil {
			return err
		}
		if err := e.Refresh(ctx); err != nil {
			return err
		}

		created, err := e.AddComment(annotationID, text, &pinmark.CommentOptions{
			ParentID: commentFlags.ParentID,
			Images:   images,
		})
		if err != nil {
			return err
		}
		e.Wait()

		result, ok := findComment(e, annotationID, created)
		if !ok {
			_, _, lastErr := e.Snapshot()
			return fmt.Errorf("comment was not saved: %w", lastErr)
		}
		reportState(result.State)
		return printJSON(result)
	},
}

// findComment locates created after delivery. Image comments may come back
// under a server-assigned ID, so they are matched by text as well.
func findComment(e *pinmark.Engine, annotationID string, created pinmark.Comment) (pinmark.Comment, bool) {
	a, ok := findAnnotation(e, annotationID)
	if !ok {
		return pinmark.Comment{}, false
	}
	comments := a.Comments
	if created.ParentID != "" {
		comments = nil
		for _, c := range a.Comments {
			if c.ID == created.ParentID {
				comments = c.Replies
				break
			}
		}
	}
	for _, c := range comments {
		if c.ID == created.ID {
			return c, true
		}
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if comments[i].Text == created.Text && len(comments[i].ImageURLs) > 0 {
			return comments[i], true
		}
	}
	return pinmark.Comment{}, false
}
