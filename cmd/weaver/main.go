// Command weaver runs provenance repair over a memory store from the
// command line.
//
// Usage:
//
//	weaver weave --data-dir /var/lib/loom --hours 24 --dry-run --csv-out audit.csv
//	weaver rollback --data-dir /var/lib/loom --run-id run-20260829-refit --confirm
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/loomkit/loom/embed"
	"github.com/loomkit/loom/graph"
	"github.com/loomkit/loom/weaver"
)

// fileConfig mirrors the flag surface so deployments can keep their
// settings in a YAML file. Flags override the file.
type fileConfig struct {
	DataDir        string  `yaml:"data_dir"`
	Hours          float64 `yaml:"hours"`
	Threshold      float64 `yaml:"threshold"`
	Jaccard        float64 `yaml:"jaccard"`
	MaxCommit      int     `yaml:"max_commit"`
	CandidateLimit int     `yaml:"candidate_limit"`
	Limit          int     `yaml:"limit"`
	ExcludeTag     string  `yaml:"exclude_tag"`
	Embedding      struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"embedding"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cfg := &fileConfig{}

	root := &cobra.Command{
		Use:           "weaver",
		Short:         "Provenance repair for the memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return nil
			}
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("parsing config: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.AddCommand(newWeaveCmd(cfg), newRollbackCmd(cfg))
	return root
}

func newWeaveCmd(cfg *fileConfig) *cobra.Command {
	var (
		dataDir   string
		dryRun    bool
		csvPath   string
		runID     string
		noEmbed   bool
		hours     float64
		threshold float64
		jacc      float64
		maxCommit int
		candLimit int
		limit     int
		exclude   string
	)
	cmd := &cobra.Command{
		Use:   "weave",
		Short: "Link orphan summaries to their origins",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := weaver.DefaultOptions()
			opts.Logger = logger
			applyFile(cfg, &opts)
			if cmd.Flags().Changed("hours") {
				opts.Hours = hours
			}
			if cmd.Flags().Changed("threshold") {
				opts.Threshold = threshold
			}
			if cmd.Flags().Changed("jaccard") {
				opts.Jaccard = jacc
			}
			if cmd.Flags().Changed("max-commit") {
				opts.MaxCommit = maxCommit
			}
			if cmd.Flags().Changed("candidate-limit") {
				opts.CandidateLimit = candLimit
			}
			if cmd.Flags().Changed("limit") {
				opts.Limit = limit
			}
			if cmd.Flags().Changed("exclude-tag") {
				opts.ExcludeTag = exclude
			}
			opts.DryRun = dryRun
			opts.RunID = runID

			dir := dataDir
			if dir == "" {
				dir = cfg.DataDir
			}
			if dir == "" {
				return fmt.Errorf("--data-dir (or data_dir in the config file) is required")
			}

			if csvPath != "" {
				f, err := os.Create(csvPath)
				if err != nil {
					return fmt.Errorf("creating audit file: %w", err)
				}
				defer f.Close()
				opts.CSVOut = f
			}

			store, err := graph.NewBadgerStore(graph.BadgerOptions{DataDir: dir, Logger: logger})
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			var embedder embed.Embedder
			if !noEmbed {
				ecfg := embed.DefaultConfig()
				if cfg.Embedding.BaseURL != "" {
					ecfg.BaseURL = cfg.Embedding.BaseURL
				}
				if cfg.Embedding.APIKey != "" {
					ecfg.APIKey = cfg.Embedding.APIKey
				}
				if cfg.Embedding.Model != "" {
					ecfg.Model = cfg.Embedding.Model
				}
				ecfg.Logger = logger
				embedder = embed.NewHTTP(ecfg)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := weaver.New(store, nil, embedder, opts)
			start := time.Now()
			report, err := w.Run(ctx, opts)
			if report != nil {
				fmt.Printf("run %s: examined=%d matched=%d created=%d skipped=%d (%.1fs)\n",
					report.RunID, report.Examined, report.Matched, report.Created,
					report.Skipped, time.Since(start).Seconds())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "store data directory")
	cmd.Flags().Float64Var(&hours, "hours", 24, "temporal look-back window in hours")
	cmd.Flags().Float64Var(&threshold, "threshold", weaver.DefaultEmbedThreshold, "embedding similarity threshold")
	cmd.Flags().Float64Var(&jacc, "jaccard", weaver.JaccardStrict, "lexical similarity threshold")
	cmd.Flags().IntVar(&maxCommit, "max-commit", 0, "cap on edges created (0 = unlimited)")
	cmd.Flags().IntVar(&candLimit, "candidate-limit", 200, "cap on candidates per summary")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap on summaries examined (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "propose links without writing edges")
	cmd.Flags().StringVar(&csvPath, "csv-out", "", "write audit rows to this CSV file")
	cmd.Flags().StringVar(&runID, "run-id", "", "stamp edges with this run id (default generated)")
	cmd.Flags().StringVar(&exclude, "exclude-tag", "", "drop candidates carrying this tag")
	cmd.Flags().BoolVar(&noEmbed, "no-embed", false, "skip the embedding strategy")
	return cmd
}

func newRollbackCmd(cfg *fileConfig) *cobra.Command {
	var (
		dataDir string
		runID   string
		confirm bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Delete every edge created by a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			dir := dataDir
			if dir == "" {
				dir = cfg.DataDir
			}
			if dir == "" {
				return fmt.Errorf("--data-dir (or data_dir in the config file) is required")
			}
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}

			store, err := graph.NewBadgerStore(graph.BadgerOptions{DataDir: dir, Logger: logger})
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := weaver.NewWithStrategies(store, nil, logger)
			report, err := w.Rollback(ctx, runID, confirm)
			if err != nil {
				return err
			}
			if !confirm {
				fmt.Printf("run %s: %d edge(s) would be deleted; re-run with --confirm\n",
					report.RunID, report.Found)
				for _, e := range report.Edges {
					fmt.Printf("  %s  %s -> %s  (%s, %.4f)\n",
						e.ID, e.From, e.To, e.Strategy, e.Score)
				}
				return nil
			}
			fmt.Printf("run %s: deleted %d of %d edge(s)\n", report.RunID, report.Deleted, report.Found)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "store data directory")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to roll back")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually delete; without it, report only")
	return cmd
}

func applyFile(cfg *fileConfig, opts *weaver.Options) {
	if cfg.Hours > 0 {
		opts.Hours = cfg.Hours
	}
	if cfg.Threshold > 0 {
		opts.Threshold = cfg.Threshold
	}
	if cfg.Jaccard > 0 {
		opts.Jaccard = cfg.Jaccard
	}
	if cfg.MaxCommit > 0 {
		opts.MaxCommit = cfg.MaxCommit
	}
	if cfg.CandidateLimit > 0 {
		opts.CandidateLimit = cfg.CandidateLimit
	}
	if cfg.Limit > 0 {
		opts.Limit = cfg.Limit
	}
	if cfg.ExcludeTag != "" {
		opts.ExcludeTag = cfg.ExcludeTag
	}
}
