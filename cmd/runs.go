package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sba-tools/hubzone-cli/internal/importer"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect import execution history",
	Long:  "Commands for listing and viewing past import executions.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent import executions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")

		execs, err := env.Executions.List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(execs) == 0 {
			fmt.Fprintln(os.Stderr, "No executions found.")
			return nil
		}

		formatExecutionsList(os.Stdout, execs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show full details of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrap(err, "parse execution id")
		}

		env, err := initEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		exec, err := env.Executions.Get(ctx, id)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if exec == nil {
			return eris.Errorf("execution %s not found", id)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(exec)
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "max number of executions to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatExecutionsList writes a tabular list of executions to w.
func formatExecutionsList(out io.Writer, execs []importer.ImportExecution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTRIGGER\tSTATUS\tNEW\tEXPIRED\tERRORS\tWARNINGS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t---\t-------\t------\t--------\t-------\t--------")

	for _, e := range execs {
		dur := ""
		if e.StartedAt != nil && e.FinishedAt != nil {
			dur = e.FinishedAt.Sub(*e.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(e.ID.String()),
			e.TriggerType,
			e.Status,
			e.Stats.New,
			e.Stats.Expired,
			len(e.Errors),
			len(e.Warnings),
			e.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
