package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"duckdp/internal/result"
)

// commandInfo describes one runnable command for `duckdp commands`.
type commandInfo struct {
	Path  string     `json:"path"`
	Short string     `json:"short"`
	Args  string     `json:"args,omitempty"`
	Flags []flagInfo `json:"flags,omitempty"`
}

type flagInfo struct {
	Name    string `json:"name"`
	Short   string `json:"shorthand,omitempty"`
	Type    string `json:"type"`
	Default string `json:"default,omitempty"`
	Usage   string `json:"usage,omitempty"`
}

func newCommandsCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List every command with its local flags",
		Example: `  duckdp commands
  duckdp commands --filter budget -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos := walkCommands(cmd.Root(), "")
			if filter != "" {
				needle := strings.ToLower(filter)
				kept := infos[:0]
				for _, c := range infos {
					if strings.Contains(strings.ToLower(c.Path+" "+c.Short), needle) {
						kept = append(kept, c)
					}
				}
				infos = kept
			}

			if getOutputFormat(cmd) == result.FormatJSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, c := range infos {
				fmt.Fprintf(tw, "%s\t%s\n", strings.TrimSpace(c.Path+" "+c.Args), c.Short)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Substring match on command path and description")
	return cmd
}

// walkCommands collects the leaf commands under cmd.
func walkCommands(cmd *cobra.Command, parent string) []commandInfo {
	var out []commandInfo
	for _, child := range cmd.Commands() {
		if child.Hidden || child.Name() == "help" || child.Name() == "completion" {
			continue
		}
		path := strings.TrimSpace(parent + " " + child.Name())
		if child.HasSubCommands() {
			out = append(out, walkCommands(child, path)...)
			continue
		}
		var args string
		if fields := strings.Fields(child.Use); len(fields) > 1 {
			args = strings.Join(fields[1:], " ")
		}
		out = append(out, commandInfo{
			Path:  path,
			Short: child.Short,
			Args:  args,
			Flags: collectFlags(child.LocalNonPersistentFlags()),
		})
	}
	return out
}

func collectFlags(fs *pflag.FlagSet) []flagInfo {
	var flags []flagInfo
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		flags = append(flags, flagInfo{
			Name:    f.Name,
			Short:   f.Shorthand,
			Type:    f.Value.Type(),
			Default: f.DefValue,
			Usage:   f.Usage,
		})
	})
	return flags
}
