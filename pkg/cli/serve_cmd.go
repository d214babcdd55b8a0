package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr, pgAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the query page and optionally the PG-wire listener",
		Long: `Serves /v1/query, /v1/explain, /v1/budget, /v1/tables and /v1/audit plus a
browser page at /. With --pgwire-addr, psql and other PostgreSQL clients can
run the same queries; send the bearer token as the password when
authentication is on. Each authenticated principal has its own budget.
Authentication, CORS and rate limits are configured through the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				opts.cfg.ListenAddr = addr
			}
			if cmd.Flags().Changed("pgwire-addr") {
				opts.cfg.PGWireAddr = pgAddr
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx, opts.cfg.ListenAddr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address (LISTEN_ADDR)")
	cmd.Flags().StringVar(&pgAddr, "pgwire-addr", "", "PostgreSQL wire listen address, e.g. :5433 (PGWIRE_LISTEN_ADDR)")
	return cmd
}
