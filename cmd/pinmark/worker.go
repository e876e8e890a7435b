package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	pinmark "github.com/pinmark-hq/pinmark/sdk/golang"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background retry worker for a shared Redis queue",
	Long: "Deliver operations registered by 'pinmark watch' sessions that share a Redis queue.\n" +
		"Completions are published back over Redis, or posted to worker.webhook_url when set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		if s.redis == nil {
			return fmt.Errorf("the worker requires queue.driver = %q", queueRedis)
		}

		var notifier pinmark.CompletionNotifier
		if s.cfg.Worker.WebhookURL != "" {
			wh, err := pinmark.NewWebhookNotifier(s.cfg.Worker.WebhookURL, s.cfg.Worker.WebhookSecret, nil)
			if err != nil {
				return err
			}
			notifier = wh
		}

		w := pinmark.NewRedisWorker(s.redis, s.store, s.client, notifier, s.workerOptions())
		log.Info().Int("max_attempts", s.cfg.Worker.MaxAttempts).Msg("retry worker running")
		return w.Run(ctx)
	},
}
