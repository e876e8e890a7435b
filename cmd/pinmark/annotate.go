package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	pinmark "github.com/pinmark-hq/pinmark/sdk/golang"
)

var annotateFlags struct {
	Type     string
	X, Y     float64
	Selector string
	Comment  string
	Images   []string
}

func init() {
	f := annotateCmd.Flags()
	f.StringVar(&annotateFlags.Type, "type", string(pinmark.AnnotationPin), "annotation type (pin, box, highlight, timestamp)")
	f.Float64Var(&annotateFlags.X, "x", 0, "x position")
	f.Float64Var(&annotateFlags.Y, "y", 0, "y position")
	f.StringVar(&annotateFlags.Selector, "selector", "", "anchor the annotation to an element selector")
	f.StringVarP(&annotateFlags.Comment, "comment", "m", "", "first comment text")
	f.StringSliceVar(&annotateFlags.Images, "image", nil, "attach an image to the first comment (repeatable)")
	rootCmd.AddCommand(annotateCmd)
}

var annotateCmd = &cobra.Command{
	Use:   "annotate <file-id>",
	Short: "Create an annotation, optionally with a first comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		images, err := readImages(annotateFlags.Images)
		if err != nil {
			return err
		}

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		e, err := s.engine(ctx, args[0], false)
		if err != nil {
			return err
		}
		if err := e.Refresh(ctx); err != nil {
			return err
		}

		target := pinmark.Target{Mode: pinmark.TargetRegion, X: annotateFlags.X, Y: annotateFlags.Y}
		if annotateFlags.Selector != "" {
			target.Mode = pinmark.TargetElement
			target.Selector = annotateFlags.Selector
		}
		created, err := e.CreateAnnotation(pinmark.CreateAnnotationInput{
			Type:    pinmark.AnnotationType(annotateFlags.Type),
			Target:  target,
			Comment: annotateFlags.Comment,
			Images:  images,
		})
		if err != nil {
			return err
		}
		e.Wait()

		result, ok := findAnnotation(e, created.ID)
		if !ok {
			_, _, lastErr := e.Snapshot()
			return fmt.Errorf("annotation was not saved: %w", lastErr)
		}
		reportState(result.State)
		return printJSON(result)
	},
}

func findAnnotation(e *pinmark.Engine, id string) (pinmark.Annotation, bool) {
	list, _, _ := e.Snapshot()
	for _, a := range list {
		if a.ID == id {
			return a, true
		}
	}
	return pinmark.Annotation{}, false
}

// reportState tells the user when a change is still waiting in the queue.
func reportState(state pinmark.SyncState) {
	if state != pinmark.SyncConfirmed {
		fmt.Fprintln(os.Stderr, "Not confirmed yet; the change is queued. Run 'pinmark queue retry' to deliver it.")
	}
}
