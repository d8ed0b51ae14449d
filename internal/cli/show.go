package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the summary of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, release, err := openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			run, err := src.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s\n", run.ID)
			fmt.Fprintf(out, "  Scenario: %s\n", run.Scenario)
			fmt.Fprintf(out, "  Status:   %s\n", run.Status)
			if run.ExitCode != nil {
				fmt.Fprintf(out, "  Exit:     %d\n", *run.ExitCode)
			}
			fmt.Fprintf(out, "  Ticks:    %s\n", humanize.Comma(int64(run.Ticks)))
			fmt.Fprintf(out, "  Events:   %s\n", humanize.Comma(int64(run.EventCount)))
			fmt.Fprintf(out, "  Created:  %s (%s)\n", run.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(run.CreatedAt))
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "  Took:     %s\n", humanize.RelTime(run.CreatedAt, *run.FinishedAt, "", ""))
			}
			for k, v := range run.Labels {
				fmt.Fprintf(out, "  Label:    %s=%s\n", k, v)
			}
			if run.Error != "" {
				fmt.Fprintf(out, "  Error:    %s\n", run.Error)
			}
			return nil
		},
	}
}
