package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline operation queue",
	Long:  "List, clear or re-drive the operations waiting to be delivered for a file.",
}

var queueListCmd = &cobra.Command{
	Use:   "list <file-id>",
	Short: "List queued operations for a file, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		ops, err := s.store.ListPending(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		return printJSON(ops)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear <file-id>",
	Short: "Drop every queued operation for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.store.ClearAll(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		fmt.Printf("Queue cleared for %s\n", args[0])
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <file-id>",
	Short: "Attempt every queued operation for a file once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		e, err := s.engine(ctx, args[0], false)
		if err != nil {
			return err
		}
		before, err := s.store.ListPending(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		if err := e.Recover(ctx); err != nil {
			return err
		}
		e.Wait()

		after, err := s.store.ListPending(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		fmt.Printf("Delivered %d, still queued %d\n", len(before)-len(after), len(after))
		return nil
	},
}
