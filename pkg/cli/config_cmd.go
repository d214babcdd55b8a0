package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"duckdp/internal/result"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration profiles",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetProfileCmd())
	cmd.AddCommand(newConfigUseProfileCmd())
	cmd.AddCommand(newConfigResolvedCmd(opts))

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return err
			}
			if len(cfg.Profiles) == 0 {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "No profiles saved in %s\n", ConfigPath())
			}
			if getOutputFormat(cmd) == result.FormatJSON {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigSetProfileCmd() *cobra.Command {
	var p Profile

	cmd := &cobra.Command{
		Use:   "set-profile <name>",
		Short: "Create or update a named profile",
		Example: `  duckdp config set-profile pums --meta PUMS.yaml --data s3://bucket/PUMS.csv \
    --ledger ~/.duckdp/pums.sqlite --epsilon 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				if err := validateOutputFormat(p.Output); err != nil {
					return err
				}
			}
			name := args[0]
			cfg.SetProfile(name, cfg.Profiles[name].mergeFlags(cmd.Flags(), p))
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %q saved to %s\n", name, ConfigPath())
			return nil
		},
	}

	// Local flags shadow the root's persistent ones of the same name.
	cmd.Flags().StringVar(&p.Meta, "meta", "", "Table metadata YAML")
	cmd.Flags().StringVar(&p.Data, "data", "", "CSV data path or URL")
	cmd.Flags().StringVar(&p.Table, "table", "", "Table to load")
	cmd.Flags().StringVar(&p.Ledger, "ledger", "", "SQLite budget ledger")
	cmd.Flags().StringVar(&p.Principal, "principal", "", "Principal whose budget is spent")
	cmd.Flags().Float64Var(&p.Epsilon, "epsilon", 0, "Default epsilon per query")
	cmd.Flags().StringVar(&p.Output, "output", "", "Default output format")

	return cmd
}

func newConfigUseProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Switch the active profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return err
			}
			if _, ok := cfg.Profiles[args[0]]; !ok {
				return fmt.Errorf("profile %q not found", args[0])
			}
			cfg.CurrentProfile = args[0]
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Switched to profile %q\n", args[0])
			return nil
		},
	}
}

// resolvedSettings is the effective configuration after flags, environment
// and profile are applied.
type resolvedSettings struct {
	Meta         string  `yaml:"meta" json:"meta"`
	Data         string  `yaml:"data" json:"data"`
	Table        string  `yaml:"table,omitempty" json:"table,omitempty"`
	Ledger       string  `yaml:"ledger,omitempty" json:"ledger,omitempty"`
	Principal    string  `yaml:"principal" json:"principal"`
	Epsilon      float64 `yaml:"epsilon" json:"epsilon"`
	TotalBudget  float64 `yaml:"total_budget" json:"total_budget"`
	Mechanism    string  `yaml:"mechanism" json:"mechanism"`
	MinGroupSize int     `yaml:"min_group_size" json:"min_group_size"`
	Pushdown     bool    `yaml:"pushdown" json:"pushdown"`
}

func newConfigResolvedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolved",
		Short: "Print the effective settings for this invocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := opts.cfg
			s := resolvedSettings{
				Meta:         c.MetaPath,
				Data:         c.DataPath,
				Table:        c.Table,
				Ledger:       c.LedgerPath,
				Principal:    opts.principal,
				Epsilon:      c.Privacy.Epsilon,
				TotalBudget:  c.Privacy.TotalBudget,
				Mechanism:    string(c.MechanismKind()),
				MinGroupSize: c.Privacy.MinGroupSize,
				Pushdown:     c.Privacy.Pushdown,
			}
			if getOutputFormat(cmd) == result.FormatJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			data, err := yaml.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal settings: %w", err)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
