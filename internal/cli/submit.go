package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <scenario-file>",
		Short: "Run a scenario on the trace server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagServer == "" {
				return errors.New("submit needs --server (or RTDISPATCH_SERVER)")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read scenario: %w", err)
			}

			run, err := NewClient(flagServer, logger).PostScenario(cmd.Context(), data)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s\n", run.ID)
			fmt.Fprintf(out, "  Status: %s\n", run.Status)
			if run.ExitCode != nil {
				fmt.Fprintf(out, "  Exit:   %d\n", *run.ExitCode)
			}
			return nil
		},
	}
}
