package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"duckdp/internal/result"
)

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) result.Format {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	f, err := result.ParseFormat(v)
	if err != nil {
		return result.FormatTable
	}
	return f
}

func validateOutputFormat(output string) error {
	_, err := result.ParseFormat(output)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
