package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaneisley/quotaq/pkg/backoff"
	"github.com/shaneisley/quotaq/pkg/batch"
	"github.com/shaneisley/quotaq/pkg/classify"
	"github.com/shaneisley/quotaq/pkg/config"
	"github.com/shaneisley/quotaq/pkg/executor"
	"github.com/shaneisley/quotaq/pkg/httpop"
	"github.com/shaneisley/quotaq/pkg/logging"
	"github.com/shaneisley/quotaq/pkg/metrics"
	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/shaneisley/quotaq/pkg/ratelimit"
	"github.com/shaneisley/quotaq/pkg/server"
	"github.com/shaneisley/quotaq/pkg/storage"
	"github.com/shaneisley/quotaq/pkg/ui"
)

// errItemsFailed marks a run that finished with failed items
var errItemsFailed = errors.New("items failed")

// flagKeys maps CLI flags to the config keys they override
var flagKeys = []struct {
	flag string
	key  string
}{
	{"resource-key", "resource_key"},
	{"log-level", "log_level"},
	{"url", "http.url"},
	{"method", "http.method"},
	{"timeout", "http.timeout"},
	{"min-interval", "limiter.min_interval"},
	{"max-per-window", "limiter.max_per_window"},
	{"max-retries", "queue.max_retries"},
	{"success-pattern", "http.success_pattern"},
	{"failure-pattern", "http.failure_pattern"},
	{"server-addr", "server.addr"},
	{"journal", "journal.path"},
}

type globalOptions struct {
	configFile  string
	debugConfig bool
}

// newRootCmd builds the command tree; out receives reports, errOut logs
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "quotaq",
		Short: "Run batches of API requests without tripping rate limits",
		Long: `quotaq executes a batch of work items against a rate-limited HTTP API.
Requests are paced per resource key, transient failures are retried with
backoff, and the whole batch pauses when the API reports its quota exhausted.

Configuration precedence (highest to lowest):
1. CLI flags
2. Environment variables (QUOTAQ_*)
3. Configuration file (--config, .quotaq.toml or quotaq.toml)
4. Default values`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Configuration file path")
	root.PersistentFlags().BoolVar(&opts.debugConfig, "debug-config", false, "Show configuration resolution debug information")

	root.AddCommand(
		newRunCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run ITEMS_FILE",
		Short: "Execute a YAML batch of work items",
		Long: `Execute every item of a YAML batch file against the configured HTTP endpoint.

The URL and body templates may reference {id}, {subject_id}, {subject_name},
{kind} and any item param by name.

EXAMPLES:
  # Update budgets one request at a time, at most 60 per minute
  quotaq run --url 'https://api.example.com/campaigns/{subject_id}/budget' budgets.yaml

  # Expose progress and controls while the batch runs
  quotaq run --server-addr 127.0.0.1:8089 budgets.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}

			b, err := batch.Load(args[0])
			if err != nil {
				return err
			}
			if b.ResourceKey != "" && !cmd.Flags().Changed("resource-key") {
				cfg.ResourceKey = b.ResourceKey
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runBatch(ctx, cfg, b, runOptions{
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
				quiet:  quiet,
			})
		},
	}

	cmd.Flags().String("resource-key", "", "Resource key requests are paced and budgeted under")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().String("url", "", "Request URL template")
	cmd.Flags().String("method", "", "HTTP method (default: POST)")
	cmd.Flags().Duration("timeout", 0, "Timeout per request attempt")
	cmd.Flags().Duration("min-interval", 0, "Minimum interval between requests (default: 1.1s)")
	cmd.Flags().Int("max-per-window", 0, "Maximum requests per window (default: 60)")
	cmd.Flags().Int("max-retries", 0, "Queue-level retries per item (default: 3)")
	cmd.Flags().String("success-pattern", "", "Regex a 2xx response body must match to count as success")
	cmd.Flags().String("failure-pattern", "", "Regex that fails any response whose body matches")
	cmd.Flags().String("server-addr", "", "Serve progress and controls on this address")
	cmd.Flags().String("journal", "", "Journal database path")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress lines")

	return cmd
}

// loadConfiguration loads configuration with full precedence support
func loadConfiguration(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	configPath := opts.configFile
	if configPath == "" {
		configPath = config.DiscoverConfigFile()
	}

	explicit := make(map[string]interface{})
	for _, fk := range flagKeys {
		flag := cmd.Flags().Lookup(fk.flag)
		if flag != nil && flag.Changed {
			explicit[fk.key] = flag.Value.String()
		}
	}

	cfg, debugInfo, err := config.LoadWithPrecedence(configPath, explicit, opts.debugConfig)
	if err != nil {
		return nil, err
	}

	if opts.debugConfig && debugInfo != nil {
		debugInfo.PrintDebugInfo(cmd.ErrOrStderr())
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	return cfg, nil
}

type runOptions struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool
}

// runBatch wires the limiter, executor, queue and observers for one batch
// and blocks until it finishes or ctx ends.
func runBatch(ctx context.Context, cfg *config.Config, b *batch.Batch, opts runOptions) error {
	logger := logging.NewWriterLogger(opts.errOut, "quotaq", logging.LogLevel(cfg.LogLevel)).
		WithResource(cfg.ResourceKey)
	defer logger.Sync()

	reporter := ui.NewReporter(opts.out)
	reporter.SetQuiet(opts.quiet)

	classifier, err := classify.NewClassifier(cfg.Patterns)
	if err != nil {
		return fmt.Errorf("invalid error patterns: %w", err)
	}

	limiter, err := ratelimit.New(cfg.Limiter, ratelimit.WithLogger(logger))
	if err != nil {
		return err
	}

	exec := executor.New(cfg.Retry)
	exec.Logger = logger.WithComponent("executor")
	exec.Reporter = reporter

	adaptive, err := backoff.NewAdaptiveDelay(cfg.Adaptive)
	if err != nil {
		return fmt.Errorf("invalid adaptive config: %w", err)
	}

	q, err := queue.New(cfg.Queue,
		queue.WithLogger(logger),
		queue.WithClassifier(classifier),
		queue.WithAdaptiveDelay(adaptive))
	if err != nil {
		return err
	}

	op, err := httpop.New(httpop.Config{
		ResourceKey:   cfg.ResourceKey,
		Method:        cfg.HTTP.Method,
		URL:           cfg.HTTP.URL,
		Body:          cfg.HTTP.Body,
		Headers:       cfg.HTTP.Headers,
		Timeout:       cfg.HTTP.Timeout,
		MaxRetryAfter: cfg.HTTP.MaxRetryAfter,
		QuotaCooldown: cfg.Queue.QuotaCooldown,

		SuccessPattern:  cfg.HTTP.SuccessPattern,
		FailurePattern:  cfg.HTTP.FailurePattern,
		CaseInsensitive: cfg.HTTP.CaseInsensitive,
	}, limiter, exec, httpop.WithLogger(logger), httpop.WithClassifier(classifier))
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.ResourceKey)
	q.Subscribe(collector.Observe)
	q.Subscribe(reporter.Observe)

	var journal *storage.Journal
	if cfg.Journal.Enabled {
		journal, err = storage.Open(cfg.JournalPath(storage.DefaultPath()))
		if err != nil {
			return err
		}
		defer journal.Close()
		q.Subscribe(journal.Recorder(cfg.ResourceKey, logger))
	}

	if cfg.Server.Addr != "" {
		srv := server.New(q,
			server.WithCollector(collector),
			server.WithJournal(journal),
			server.WithLogger(logger))
		serverCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		go func() {
			if err := srv.Start(serverCtx, cfg.Server.Addr); err != nil {
				logger.LogError("control server", err)
			}
		}()
	}

	if _, err := q.EnqueueAll(b.WorkItems()); err != nil {
		return err
	}

	start := time.Now()
	runErr := q.Run(ctx, op.Do)
	if runErr != nil {
		// the loop notices cancellation at its next suspension point
		select {
		case <-q.Done():
		case <-time.After(5 * time.Second):
		}
	}

	summary := metrics.NewRunSummary(cfg.ResourceKey, q.State(), time.Since(start), time.Now())
	reporter.FinalSummary(summary)

	if journal != nil {
		if _, err := journal.RecordRun(summary); err != nil {
			logger.LogError("record run", err)
		}
	}

	switch {
	case runErr != nil:
		return fmt.Errorf("batch interrupted: %w", runErr)
	case summary.Failed > 0:
		return fmt.Errorf("%d of %d %w", summary.Failed, summary.TotalItems, errItemsFailed)
	}
	return nil
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
