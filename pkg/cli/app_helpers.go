package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"duckdp/internal/app"
	"duckdp/internal/domain"
)

// openApp loads the configured metadata and data.
func (o *options) openApp(cmd *cobra.Command) (*app.App, error) {
	mech, err := o.mechanismOverride(cmd)
	if err != nil {
		return nil, err
	}
	if o.cfg.MetaPath == "" {
		return nil, fmt.Errorf("metadata is required (--meta or DUCKDP_META_PATH)")
	}
	if o.cfg.DataPath == "" {
		return nil, fmt.Errorf("data is required (--data or DUCKDP_DATA_PATH)")
	}
	return app.New(cmd.Context(), app.Deps{Cfg: o.cfg, Logger: o.logger, Mechanism: mech})
}

// withPrincipal tags ctx with the CLI principal so audit entries name it.
func (o *options) withPrincipal(ctx context.Context) context.Context {
	return domain.WithPrincipal(ctx, domain.ContextPrincipal{Name: o.principal, Type: "cli"})
}

// readSQL takes the query from the argument, a file, or stdin for "-".
func readSQL(cmd *cobra.Command, args []string, file string) (string, error) {
	if len(args) > 0 && file != "" {
		return "", fmt.Errorf("pass the query as an argument or with --file, not both")
	}
	var text string
	switch {
	case len(args) > 0:
		text = args[0]
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read query from stdin: %w", err)
		}
		text = string(data)
	case file != "":
		data, err := os.ReadFile(file) //nolint:gosec // path is caller-controlled
		if err != nil {
			return "", fmt.Errorf("read query file: %w", err)
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("a query is required")
	}
	return text, nil
}
