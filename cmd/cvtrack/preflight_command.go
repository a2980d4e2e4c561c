package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cvtrack/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, converters and the analyzer endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg)
			failed := preflight.Failed(results)
			if jsonOutput {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, strings.Join(newStatusPrinter(out).preflightLines(results), "\n"))
			}
			if len(failed) > 0 {
				names := make([]string, 0, len(failed))
				for _, r := range failed {
					names = append(names, r.Name)
				}
				return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit results as JSON")
	return cmd
}
