package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/rtdispatch/internal/scenario"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario-file>",
		Short: "Check a scenario file and its task table without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scenario.NewParser(logger).ParseFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if apiErr := scenario.NewValidator(logger).Validate(s, scenario.Options{}); apiErr != nil {
				fmt.Fprintf(out, "%s: invalid\n", args[0])
				for _, fe := range apiErr.Details {
					fmt.Fprintf(out, "  %-28s  %s\n", fe.Field, fe.Message)
				}
				return fmt.Errorf("%d problem(s) in %s", len(apiErr.Details), args[0])
			}
			fmt.Fprintf(out, "%s: valid (%d tasks, %d events, %d ticks)\n", args[0], len(s.Tasks), len(s.Events), s.RunFor)
			return nil
		},
	}
}
