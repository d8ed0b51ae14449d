package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/rtdispatch/pkg/model"
)

func newRunsCmd() *cobra.Command {
	opts := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, release, err := openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			list, total, err := src.ListRuns(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-24s  %-9s  %8s  %8s  %s\n", "ID", "SCENARIO", "STATUS", "TICKS", "EVENTS", "CREATED")
			fmt.Fprintf(out, "%-40s  %-24s  %-9s  %8s  %8s  %s\n", "--", "--------", "------", "-----", "------", "-------")
			for _, run := range list {
				fmt.Fprintf(out, "%-40s  %-24s  %-9s  %8s  %8s  %s\n",
					run.ID, run.Scenario, run.Status,
					humanize.Comma(int64(run.Ticks)), humanize.Comma(int64(run.EventCount)),
					humanize.Time(run.CreatedAt))
			}
			if len(list) < total {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(list), total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Only runs with this status (COMPLETED, EXITED, HALTED, FAILED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum number of runs")
	cmd.Flags().IntVar(&opts.Offset, "offset", opts.Offset, "Runs to skip")
	return cmd
}
