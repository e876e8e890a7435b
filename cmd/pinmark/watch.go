package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	pinmark "github.com/pinmark-hq/pinmark/sdk/golang"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <file-id>",
	Short: "Follow a file's annotations live",
	Long: "Load a file's annotations, apply realtime updates from collaborators and\n" +
		"print the annotation list whenever it changes. Stops on Ctrl-C.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		e, err := s.engine(ctx, args[0], true)
		if err != nil {
			return err
		}

		changes := make(chan struct{}, 1)
		e.On(pinmark.EngineStateChanged, func(string, any) {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
		halted := make(chan struct{})
		var haltOnce sync.Once
		e.On(pinmark.EngineSyncError, func(_ string, payload any) {
			syncErr, ok := payload.(*pinmark.SyncError)
			if !ok {
				return
			}
			log.Error().Err(syncErr.Err).Str("kind", string(syncErr.Kind)).Str("entity_id", syncErr.EntityID).Msg("sync error")
			if pinmark.IsUnauthorized(syncErr) {
				haltOnce.Do(func() { close(halted) })
			}
		})

		if err := e.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", args[0])

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-halted:
				return fmt.Errorf("watch %s: %w", args[0], pinmark.ErrUnauthorized)
			case <-changes:
				list, loading, _ := e.Snapshot()
				if loading {
					continue
				}
				if err := printJSON(list); err != nil {
					return err
				}
			}
		}
	},
}
