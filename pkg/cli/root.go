// Package cli implements the duckdp command line: private queries, query
// plans, metadata checks, budget inspection and the HTTP server.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"duckdp/internal/budget"
	"duckdp/internal/config"
	"duckdp/internal/noise"
)

var (
	version = "dev"
	commit  = "none"
)

// options carries the resolved settings shared by every subcommand.
type options struct {
	envFile   string
	profile   string
	output    string
	principal string
	logLevel  string
	seed      uint64

	meta   string
	data   string
	table  string
	ledger string

	epsilon      float64
	totalBudget  float64
	mechanism    string
	minGroupSize int
	pushdown     bool
	workers      int

	cfg    *config.Config
	logger *slog.Logger
}

// Execute runs the CLI.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(stdout, map[string]string{"error": err.Error()})
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "duckdp",
		Short:         "Differentially private SQL over tabular data",
		Long:          "Answers SQL aggregation queries with calibrated noise and tracks the privacy budget they spend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before reading DUCKDP_* variables")
	pf.StringVarP(&opts.profile, "profile", "p", "", "Config profile to use")
	pf.StringVarP(&opts.output, "output", "o", "table", "Output format (table, json, csv)")
	pf.StringVar(&opts.principal, "principal", budget.AnonymousPrincipal, "Principal whose budget is spent")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.meta, "meta", "", "Table metadata YAML (DUCKDP_META_PATH)")
	pf.StringVar(&opts.data, "data", "", "CSV data: path or s3://, gs://, az:// URL (DUCKDP_DATA_PATH)")
	pf.StringVar(&opts.table, "table", "", "Table to load when the metadata declares several (DUCKDP_TABLE)")
	pf.StringVar(&opts.ledger, "ledger", "", "SQLite budget ledger; budgets persist across runs (DUCKDP_LEDGER_PATH)")
	pf.Float64Var(&opts.epsilon, "epsilon", 1.0, "Epsilon spent per query (DUCKDP_EPSILON)")
	pf.Float64Var(&opts.totalBudget, "total-budget", 10.0, "Total epsilon per budget session (DUCKDP_TOTAL_BUDGET)")
	pf.StringVar(&opts.mechanism, "mechanism", "laplace", "Noise mechanism: laplace or gaussian (DUCKDP_MECHANISM)")
	pf.IntVar(&opts.minGroupSize, "min-group-size", 5, "Drop groups with fewer rows; 0 disables (DUCKDP_MIN_GROUP_SIZE)")
	pf.BoolVar(&opts.pushdown, "pushdown", true, "Load data into DuckDB and compute exact aggregates there (DUCKDP_PUSHDOWN)")
	pf.IntVar(&opts.workers, "workers", 0, "In-memory scan partitions, 0 = GOMAXPROCS (DUCKDP_SCAN_WORKERS)")
	pf.Uint64Var(&opts.seed, "seed", 0, "Seed the noise source; results become reproducible and are no longer private")
	_ = pf.MarkHidden("seed")

	rootCmd.AddCommand(newQueryCmd(opts))
	rootCmd.AddCommand(newExplainCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newBudgetCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newCommandsCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// resolve applies precedence: flag > env > profile > default.
func (o *options) resolve(cmd *cobra.Command) error {
	if err := validateOutputFormat(o.output); err != nil {
		return err
	}
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	userCfg, err := LoadUserConfig()
	if err != nil {
		return err
	}
	if o.profile != "" {
		if _, ok := userCfg.Profiles[o.profile]; !ok {
			return fmt.Errorf("profile %q not found in %s", o.profile, ConfigPath())
		}
	}
	p := userCfg.ActiveProfile(o.profile)

	flags := cmd.Flags()
	pick := func(flag, envKey string, flagVal, profileVal string, dst *string) {
		switch {
		case flags.Changed(flag):
			*dst = flagVal
		case os.Getenv(envKey) != "":
		case profileVal != "":
			*dst = profileVal
		}
	}
	pick("meta", "DUCKDP_META_PATH", o.meta, p.Meta, &cfg.MetaPath)
	pick("data", "DUCKDP_DATA_PATH", o.data, p.Data, &cfg.DataPath)
	pick("table", "DUCKDP_TABLE", o.table, p.Table, &cfg.Table)
	pick("ledger", "DUCKDP_LEDGER_PATH", o.ledger, p.Ledger, &cfg.LedgerPath)
	pick("log-level", "LOG_LEVEL", o.logLevel, "", &cfg.LogLevel)
	pick("mechanism", "DUCKDP_MECHANISM", o.mechanism, "", &cfg.Privacy.Mechanism)
	if !flags.Changed("principal") && p.Principal != "" {
		o.principal = p.Principal
	}
	if !flags.Changed("output") && os.Getenv("DUCKDP_OUTPUT") != "" {
		o.output = os.Getenv("DUCKDP_OUTPUT")
	} else if !flags.Changed("output") && p.Output != "" {
		o.output = p.Output
	}
	if err := validateOutputFormat(o.output); err != nil {
		return err
	}

	switch {
	case flags.Changed("epsilon"):
		cfg.Privacy.Epsilon = o.epsilon
	case os.Getenv("DUCKDP_EPSILON") == "" && p.Epsilon != 0:
		cfg.Privacy.Epsilon = p.Epsilon
	}
	if flags.Changed("total-budget") {
		cfg.Privacy.TotalBudget = o.totalBudget
	}
	if flags.Changed("min-group-size") {
		cfg.Privacy.MinGroupSize = o.minGroupSize
	}
	if flags.Changed("pushdown") {
		cfg.Privacy.Pushdown = o.pushdown
	}
	if flags.Changed("workers") {
		cfg.Privacy.ScanWorkers = o.workers
	}
	if err := cfg.Privacy.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range cfg.Warnings {
		o.logger.Debug("config warning", "warning", w)
	}
	return nil
}

// mechanismOverride returns the seeded mechanism requested by --seed, or nil to use
// the configured one over crypto/rand.
func (o *options) mechanismOverride(cmd *cobra.Command) (noise.Mechanism, error) {
	if !cmd.Flags().Changed("seed") {
		return nil, nil
	}
	o.logger.Warn("noise source is seeded; results are reproducible and not private", "seed", o.seed)
	return noise.New(o.cfg.MechanismKind(), o.cfg.Privacy.Delta, noise.NewSeededSource(o.seed))
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return errors.New("unsupported shell: " + args[0])
			}
		},
	}
}
