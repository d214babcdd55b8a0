package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"duckdp/internal/api"
	"duckdp/internal/budget"
	internaldb "duckdp/internal/db"
	"duckdp/internal/db/repository"
	"duckdp/internal/result"
)

func newBudgetCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect or reset privacy budgets in the ledger",
	}
	cmd.AddCommand(newBudgetShowCmd(opts))
	cmd.AddCommand(newBudgetResetCmd(opts))
	return cmd
}

// withLedger opens the configured ledger for the duration of fn.
func withLedger(opts *options, fn func(*repository.LedgerRepo) error) error {
	if opts.cfg.LedgerPath == "" {
		return fmt.Errorf("a ledger is required (--ledger or DUCKDP_LEDGER_PATH)")
	}
	db, err := internaldb.OpenSQLite(opts.cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close() //nolint:errcheck
	return fn(repository.NewLedgerRepo(db))
}

func restoreSession(ctx context.Context, opts *options, ledger *repository.LedgerRepo) (*budget.Session, error) {
	return budget.Restore(ctx, budget.SessionID(opts.principal), opts.cfg.Privacy.TotalBudget, ledger)
}

func newBudgetShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the principal's spent and remaining epsilon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(opts, func(ledger *repository.LedgerRepo) error {
				session, err := restoreSession(cmd.Context(), opts, ledger)
				if err != nil {
					return err
				}
				resp := api.NewBudgetResponse(opts.principal, session)
				out := cmd.OutOrStdout()
				if getOutputFormat(cmd) == result.FormatJSON {
					return printJSON(out, resp)
				}

				_, _ = fmt.Fprintf(out, "principal: %s\nsession:   %s\nspent:     %g of %g (%g remaining)\n",
					resp.Principal, resp.Session, resp.Spent, resp.Total, resp.Remaining)
				if len(resp.History) == 0 {
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "\nAT\tEPSILON\tQUERY")
				for _, h := range resp.History {
					_, _ = fmt.Fprintf(tw, "%s\t%g\t%s\n", h.At, h.Epsilon, h.Query)
				}
				return tw.Flush()
			})
		},
	}
}

func newBudgetResetCmd(opts *options) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore the principal's full budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withLedger(opts, func(ledger *repository.LedgerRepo) error {
				if !all {
					session, err := restoreSession(ctx, opts, ledger)
					if err != nil {
						return err
					}
					if err := session.Reset(ctx); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "budget of %s reset to %g\n", opts.principal, session.Total())
					return nil
				}

				sessions, err := ledger.Sessions(ctx)
				if err != nil {
					return err
				}
				for _, id := range sessions {
					if err := ledger.Reset(ctx, id); err != nil {
						return fmt.Errorf("reset session %s: %w", id, err)
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reset %d budget session(s)\n", len(sessions))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reset every session in the ledger")
	return cmd
}
