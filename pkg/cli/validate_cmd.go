package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"duckdp/internal/api"
	"duckdp/internal/app"
	"duckdp/internal/metadata"
	"duckdp/internal/result"
)

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check table metadata, and the data file against it",
		Long: `Parses the metadata YAML and reports its tables. When data is configured
it is loaded too, so type and nullability mismatches surface before any
budget is spent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.MetaPath == "" {
				return fmt.Errorf("metadata is required (--meta or DUCKDP_META_PATH)")
			}
			cat, err := metadata.Load(opts.cfg.MetaPath)
			if err != nil {
				return err
			}

			rows := -1
			if opts.cfg.DataPath != "" {
				cfg := *opts.cfg
				cfg.LedgerPath = ""
				a, err := app.New(cmd.Context(), app.Deps{Cfg: &cfg, Logger: opts.logger})
				if err != nil {
					return err
				}
				rows = a.Source.RowCount()
				_ = a.Close()
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == result.FormatJSON {
				report := map[string]any{"valid": true, "tables": api.NewTableInfos(cat)}
				if rows >= 0 {
					report["rows"] = rows
				}
				return printJSON(out, report)
			}
			_, _ = fmt.Fprintln(out, cat.String())
			if rows >= 0 {
				_, _ = fmt.Fprintf(out, "data OK: %d rows\n", rows)
			}
			return nil
		},
	}
}
