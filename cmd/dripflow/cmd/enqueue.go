package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sky93/dripflow/internal/workflow"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue WORKFLOW SUBJECT_ID",
	Short: "Start a workflow for a subject",
	Long: fmt.Sprintf(`Start a workflow for a subject now. If a job for the same workflow and
subject is already waiting, nothing new is queued.

Workflows: %s`, strings.Join(workflowNames(), ", ")),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			out, err := a.ops.Trigger(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func workflowNames() []string {
	keys := workflow.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	return names
}
