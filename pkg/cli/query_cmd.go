package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"duckdp/internal/result"
)

func newQueryCmd(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Run a differentially private aggregation query",
		Long: `Runs one aggregation query and prints the noisy result. The query's
epsilon is debited from the principal's budget before any noise is drawn.
Without a ledger every invocation starts from a fresh budget.`,
		Example: `  duckdp query --meta PUMS.yaml --data PUMS.csv --epsilon 1 \
    "SELECT married, AVG(income) AS income, COUNT(*) AS n FROM PUMS.PUMS GROUP BY married"
  duckdp query -f report.sql -o csv`,
		Args: cobra.MaximumNArgs(1),
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

			ctx := opts.withPrincipal(cmd.Context())
			session, err := a.Registry.Session(ctx, opts.principal)
			if err != nil {
				return err
			}
			res, err := a.Reader.Execute(ctx, session, sqlText, opts.cfg.Privacy.Epsilon)
			if err != nil {
				return err
			}
			if err := result.Write(cmd.OutOrStdout(), res, getOutputFormat(cmd)); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "spent epsilon %g; %g of %g remaining\n",
				opts.cfg.Privacy.Epsilon, session.Remaining(), session.Total())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the query from a file ('-' for stdin)")
	return cmd
}
