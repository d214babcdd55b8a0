package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"duckdp/internal/result"
)

func newExplainCmd(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "explain [SQL]",
		Short: "Show the privacy plan of a query without running it",
		Long:  "Prints each noisy measurement with its sensitivity, noise scale and 95% accuracy. No budget is spent.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlText, err := readSQL(cmd, args, file)
			if err != nil {
				return err
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			e, err := a.Reader.Explain(sqlText, opts.cfg.Privacy.Epsilon)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == result.FormatJSON {
				return printJSON(cmd.OutOrStdout(), e)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), e.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the query from a file ('-' for stdin)")
	return cmd
}
