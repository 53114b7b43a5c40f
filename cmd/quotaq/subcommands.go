package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaneisley/quotaq/pkg/config"
	"github.com/shaneisley/quotaq/pkg/storage"
	"github.com/shaneisley/quotaq/pkg/ui"
)

// HistoryOptions holds flags for the history subcommand
type HistoryOptions struct {
	Since      time.Duration
	Runs       int
	PruneOlder time.Duration
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var hopts HistoryOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journal statistics for past batches",
		Long: `Summarize item outcomes recorded in the journal: success rate, retries,
quota pauses and a per-kind breakdown, followed by the most recent runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}

			journal, err := storage.Open(cfg.JournalPath(storage.DefaultPath()))
			if err != nil {
				return err
			}
			defer journal.Close()

			now := time.Now()
			if hopts.PruneOlder > 0 {
				removed, err := journal.Prune(now.Add(-hopts.PruneOlder))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d journal rows older than %s\n", removed, ui.FormatDuration(hopts.PruneOlder))
			}

			stats, err := journal.AggregatedStats(now.Add(-hopts.Since), now.Add(time.Millisecond))
			if err != nil {
				return err
			}
			runs, err := journal.RecentRuns(hopts.Runs)
			if err != nil {
				return err
			}

			ui.NewReporter(cmd.OutOrStdout()).History(stats, runs)
			return nil
		},
	}

	cmd.Flags().DurationVar(&hopts.Since, "since", 24*time.Hour, "How far back to aggregate outcomes")
	cmd.Flags().IntVar(&hopts.Runs, "runs", 10, "Number of recent runs to list")
	cmd.Flags().DurationVar(&hopts.PruneOlder, "prune-older-than", 0, "Delete journal rows older than this before reporting")
	cmd.Flags().String("journal", "", "Journal database path")

	return cmd
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := opts.configFile
			if configPath == "" {
				configPath = config.DiscoverConfigFile()
			}

			_, debugInfo, err := config.LoadWithPrecedence(configPath, nil, true)
			if err != nil {
				return err
			}

			if configPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n\n", configPath)
			}
			debugInfo.PrintDebugInfo(cmd.OutOrStdout())
			return nil
		},
	}
}
