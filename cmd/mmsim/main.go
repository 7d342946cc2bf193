// mmsim replays recorded order book and trade ticks through a simulated
// market maker and reports fills and P&L per security.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/mmsim/internal/config"
	"github.com/rewired-gh/mmsim/internal/engine"
	"github.com/rewired-gh/mmsim/internal/feed"
	"github.com/rewired-gh/mmsim/internal/logger"
	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/publish"
	"github.com/rewired-gh/mmsim/internal/report"
	"github.com/rewired-gh/mmsim/internal/runner"
	"github.com/rewired-gh/mmsim/internal/session"
	"github.com/rewired-gh/mmsim/internal/storage"
	"github.com/rewired-gh/mmsim/internal/strategy"
	"github.com/rewired-gh/mmsim/internal/telegram"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	strategyName string
	workers      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mmsim",
		Short:        "Deterministic market-making replay engine",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(strategiesCmd())
	rootCmd.AddCommand(runsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if strategyName != "" {
		cfg.Strategy.Name = strategyName
	}
	if workers > 0 {
		cfg.Runner.Workers = workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the resolved session calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			clock, err := cfg.SessionClock()
			if err != nil {
				return err
			}
			sched := clock.Schedule()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "strategy  %s\n", cfg.Strategy.Name)
			fmt.Fprintf(out, "timezone  %s\n", clock.Location())
			fmt.Fprintf(out, "session   %s-%s, flatten %s at %s\n", sched.Open, sched.Close, sched.Flatten, sched.FlattenAt)
			for w := session.PreOpen; w <= session.PostClose; w++ {
				fmt.Fprintf(out, "  %-16s %s\n", w, sched.Actions[w])
			}
			return nil
		},
	}
}

func strategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List available quoting policies",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range strategy.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func runsCmd() *cobra.Command {
	var (
		limit    int
		security string
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List stored runs, or show the summaries of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage.MaxRuns, cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if security != "" {
					trades, err := store.GetTrades(ctx, run.ID, strings.ToUpper(security))
					if err != nil {
						return err
					}
					printTrades(out, trades)
					return nil
				}
				sums, err := store.GetSummaries(ctx, run.ID)
				if err != nil {
					return err
				}
				printSummaries(out, sums)
				return nil
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTRATEGY\tSTARTED\tDURATION")
			for _, r := range runs {
				dur := "unfinished"
				if !r.FinishedAt.IsZero() {
					dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Strategy, r.StartedAt.Format(time.DateTime), dur)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().StringVar(&security, "trades", "", "Print the trade journal of this security instead of the summaries")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Replay tick files (glob patterns, ** supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return replay(ctx, cfg, args, cmd)
		},
	}
	cmd.Flags().StringVarP(&strategyName, "strategy", "s", "", "Quoting policy (overrides strategy.name)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel workers (overrides runner.workers)")
	return cmd
}

func replay(ctx context.Context, cfg *config.Config, patterns []string, cmd *cobra.Command) error {
	if len(patterns) == 0 {
		patterns = cfg.Feed.Paths
	}
	files, err := feed.Discover(patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no input files match %s", strings.Join(patterns, ", "))
	}

	clock, err := cfg.SessionClock()
	if err != nil {
		return err
	}

	sources := make([]feed.Source, 0, len(files))
	for _, path := range files {
		src, err := feed.OpenCSV(path, feed.CSVOptions{Location: clock.Location(), TimeFormat: cfg.Feed.TimeFormat})
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			return err
		}
		sources = append(sources, src)
	}

	run := models.Run{ID: uuid.NewString(), Strategy: cfg.Strategy.Name, StartedAt: time.Now()}
	logger.Info("Starting run %s: %d files, strategy %s", run.ID, len(files), run.Strategy)

	var sinks []runner.Sink

	var store *storage.Storage
	if cfg.Storage.Enabled {
		store, err = storage.New(cfg.Storage.MaxRuns, cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		if err := store.StartRun(ctx, run); err != nil {
			return err
		}
		sinks = append(sinks, func(ctx context.Context, res runner.Result) error {
			return store.Write(ctx, run.ID, res.Summary, res.Trades)
		})
	}

	if cfg.Kafka.Enabled {
		producer := publish.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Error("Failed to close Kafka producer: %v", err)
			}
		}()
		sinks = append(sinks, func(ctx context.Context, res runner.Result) error {
			return producer.Publish(ctx, run.ID, res.Summary, res.Trades)
		})
		logger.Debug("Publishing trades to %s on %v", cfg.Kafka.Topic, cfg.Kafka.Brokers)
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Warn("Telegram notifications unavailable: %v", err)
		}
	}

	factory := func(security string) (*engine.Engine, error) {
		params, err := cfg.SecurityParams(security)
		if err != nil {
			return nil, err
		}
		policy, err := strategy.New(cfg.Strategy.Name, params)
		if err != nil {
			return nil, err
		}
		return engine.New(security, engine.Config{
			Policy:              policy,
			Clock:               clock,
			Params:              params,
			MonitorLiquidity:    cfg.Strategy.MonitorLiquidity,
			StopLossDepthCapped: cfg.Strategy.StopLossDepthCapped,
		})
	}

	opts := runner.Options{Workers: cfg.Runner.Workers, ChunkSize: cfg.Feed.ChunkSize}
	results, err := runner.Run(ctx, sources, factory, opts, sinks...)
	if err != nil {
		logger.Error("Run %s failed: %v", run.ID, err)
		if telegramClient != nil {
			// ctx may already be cancelled
			if sendErr := telegramClient.SendError(context.Background(), run.ID, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return err
	}

	run.FinishedAt = time.Now()
	if store != nil {
		if err := store.FinishRun(ctx, run.ID, run.FinishedAt); err != nil {
			logger.Warn("Failed to mark run %s finished: %v", run.ID, err)
		}
	}

	sums := make([]models.Summary, 0, len(results))
	for _, res := range results {
		sums = append(sums, res.Summary)
	}
	printSummaries(cmd.OutOrStdout(), sums)
	logger.Info("Run %s completed in %v", run.ID, run.FinishedAt.Sub(run.StartedAt))

	if telegramClient != nil {
		if err := telegramClient.SendSummary(ctx, run, sums); err != nil {
			logger.Warn("Failed to send Telegram summary: %v", err)
		}
	}
	return nil
}

func printSummaries(out io.Writer, sums []models.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "SECURITY\tTRADES\tPOSITION\tREALIZED\tEVENTS\tREJECTED\tFLATTENS\tSTOPS\t")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%d\t%d\t%d\t\n",
			s.Security, s.TradesCount, s.FinalPosition, s.RealizedPnL.StringFixed(2),
			s.EventsSeen, s.EventsRejected, s.Flattens, s.StopLosses)
	}
	if len(sums) > 1 {
		r := report.Aggregate(sums)
		fmt.Fprintf(w, "TOTAL\t%d\t%d open\t%s\t\t%d\t%d\t%d\t\n",
			r.Trades, r.Open, r.Total.StringFixed(2), r.Rejected, r.Flattens, r.StopLosses)
	}
	_ = w.Flush()
}

func printTrades(out io.Writer, trades []models.TradeRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "SEQ\tTIME\tSIDE\tQTY\tPRICE\tDELTA\tPOSITION\tCUMULATIVE\tREASON\t")
	for _, t := range trades {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\t\n",
			t.Seq, t.Timestamp.Format(time.DateTime), t.Side.Action(), t.FillQty, t.FillPrice,
			t.RealizedPnLDelta.StringFixed(2), t.Position, t.CumulativePnL.StringFixed(2), t.Reason)
	}
	_ = w.Flush()
}
