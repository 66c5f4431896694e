// Package commands implements the meilikeeper CLI.
package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/notify"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	dryRun bool
)

var rootCmd = &cobra.Command{
	Use:   "meilikeeper",
	Short: "Lifecycle manager for a Meilisearch container on a single host",
	Long: `meilikeeper provisions, supervises and backs up a Meilisearch container
on a single host.

provision prepares the host once and installs cron entries for the other
commands. health and backup each run one tick and exit; they are meant to
be driven by cron. run replaces cron with one long-lived process hosting
both loops, with optional Prometheus metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log notifications instead of delivering them")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// newNotifier assembles the notification fan-out from configuration.
// Unconfigured sinks drop out; with no sink at all events go nowhere.
func newNotifier(cfg config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	if dryRun {
		return notify.NewDryRunNotifier(logger), nil
	}

	notifiers := []notify.Notifier{
		notify.NewSlackNotifier(logger, cfg.SlackWebhookURL),
	}

	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, "")
	if err != nil {
		return nil, fmt.Errorf("configure webhook notifier: %w", err)
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}

	return notify.NewMultiNotifier(notifiers...), nil
}
