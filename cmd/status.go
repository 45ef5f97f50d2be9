package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sba-tools/hubzone-cli/internal/geounit"
	"github.com/sba-tools/hubzone-cli/internal/importer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current or most recent execution and store counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		exec, err := env.Executions.Current(ctx)
		if err != nil {
			return err
		}
		if exec == nil {
			// Fall back to the most recent terminal execution.
			recent, err := env.Executions.List(ctx, 1)
			if err != nil {
				return err
			}
			if len(recent) > 0 {
				exec = &recent[0]
			}
		}

		active, err := env.Desigs.CountActive(ctx)
		if err != nil {
			return err
		}
		tracts, err := env.Units.CountByLevel(ctx, geounit.LevelTract)
		if err != nil {
			return err
		}
		counties, err := env.Units.CountByLevel(ctx, geounit.LevelCounty)
		if err != nil {
			return err
		}

		formatStatus(os.Stdout, exec, active, tracts, counties)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func formatStatus(out io.Writer, exec *importer.ImportExecution, active, tracts, counties int64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	switch {
	case exec == nil:
		_, _ = fmt.Fprintf(w, "Execution:\tnone recorded\n")
	case exec.Status.Terminal():
		_, _ = fmt.Fprintf(w, "Last execution:\t%s (%s)\n", exec.ID, exec.Status)
	default:
		_, _ = fmt.Fprintf(w, "Current execution:\t%s (%s)\n", exec.ID, exec.Status)
	}
	_, _ = fmt.Fprintf(w, "Active designations:\t%d\n", active)
	_, _ = fmt.Fprintf(w, "Tracts loaded:\t%d\n", tracts)
	_, _ = fmt.Fprintf(w, "Counties loaded:\t%d\n", counties)
	_ = w.Flush()

	if exec == nil {
		return
	}
	for _, e := range exec.Errors {
		fmt.Fprintf(out, "ERROR [%s] %s\n", e.Code, e.Message)
	}
	for _, e := range exec.Warnings {
		fmt.Fprintf(out, "WARN  [%s] %s\n", e.Code, e.Message)
	}
}
