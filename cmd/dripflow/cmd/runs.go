package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [RUN_ID]",
	Short: "List recent workflow runs, or show one run with its steps",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := a.ops.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(out, run)
			}

			runs, err := a.ops.ListRuns(cmd.Context(), runsLimit)
			if err != nil {
				return err
			}
			if runsJSON {
				return printJSON(out, runs)
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSUBJECT\tSTATUS\tPROGRESS\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					r.ID, r.WorkflowKey, r.SubjectID, r.Status,
					r.StepsCompleted(), r.TotalSteps, truncate(r.ErrorMessage, 60))
			}
			return tw.Flush()
		})
	},
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show job counts per state and whether the queue is paused",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) error {
			ov, err := a.ops.Overview(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ov)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry RUN_ID",
	Short: "Start a run's workflow again from the first step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			out, err := a.ops.RetryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel an active run and drop its pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			run, err := a.ops.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop every worker from claiming new jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.ops.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s paused\n", a.queue.Name())
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let workers claim jobs again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.ops.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s resumed\n", a.queue.Name())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd, overviewCmd, retryCmd, cancelCmd, pauseCmd, resumeCmd)

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to list")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON instead of a table")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
