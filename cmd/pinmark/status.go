package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pinmark "github.com/pinmark-hq/pinmark/sdk/golang"
)

var statusFileID string

func init() {
	statusCmd.Flags().StringVar(&statusFileID, "file", "", "check access to this file and count its queued operations")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and sync status",
	Long:  "Display the current configuration. With --file, verify the token against the file and report its offline queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, pinmark.DefaultBaseURL))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Queue:       %s\n", valueOrDefault(cfg.Queue.Driver, queueSQLite))
		fmt.Printf("  Realtime:    %s\n", valueOrDefault(cfg.Realtime.Transport, transportWS))

		if statusFileID == "" || cfg.Default.Token == "" {
			return nil
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println()
		fmt.Printf("File %s:\n", statusFileID)
		list, err := s.client.ListAnnotations(cmd.Context(), statusFileID, nil)
		switch {
		case pinmark.IsUnauthorized(err):
			fmt.Println("  Access:      UNAUTHORIZED (token rejected)")
		case err != nil:
			fmt.Printf("  Access:      error (%v)\n", err)
		default:
			fmt.Printf("  Access:      ok (%d annotations)\n", len(list))
		}

		ops, err := s.store.ListPending(cmd.Context(), statusFileID)
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		fmt.Printf("  Queued:      %d\n", len(ops))
		return nil
	},
}

// maskKey hides most of a secret, showing only a short prefix and suffix.
func maskKey(key string) string {
	if len(key) <= 12 {
		return key[:min(4, len(key))] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
