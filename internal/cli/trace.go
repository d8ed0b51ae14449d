package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/internal/trace"
	"github.com/me/rtdispatch/pkg/model"
)

func newTraceCmd() *cobra.Command {
	var q store.EventQuery
	var kinds string
	var check bool

	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Print the dispatch trace of a recorded run",
		Long: `Prints the trace events of a run, one per line. With --check the full
trace is verified instead: every start must respect priority order and
ceilings, and no resource may be held by two tasks at once.`,
		Args: cobra.ExactArgs(1),
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
			if check {
				events, err := src.ListEvents(cmd.Context(), run.ID, store.EventQuery{})
				if err != nil {
					return fmt.Errorf("list events: %w", err)
				}
				if err := errors.Join(trace.CheckPriorityOrder(events), trace.CheckMutualExclusion(events)); err != nil {
					return fmt.Errorf("trace of %s: %w", run.ID, err)
				}
				fmt.Fprintf(out, "%s: %d events, priority order and mutual exclusion hold\n", run.ID, len(events))
				return nil
			}

			if kinds != "" {
				for _, k := range strings.Split(kinds, ",") {
					q.Kinds = append(q.Kinds, model.EventKind(strings.TrimSpace(k)))
				}
			}
			events, err := src.ListEvents(cmd.Context(), run.ID, q)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			for _, ev := range events {
				fmt.Fprintln(out, trace.Format(ev))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Task, "task", "", "Only events of this task")
	cmd.Flags().StringVar(&kinds, "kind", "", "Comma-separated event kinds (start,end,lock,...)")
	cmd.Flags().IntVar(&q.AfterSeq, "after", 0, "Only events after this sequence number")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of events (0 for all)")
	cmd.Flags().BoolVar(&check, "check", false, "Verify the trace instead of printing it")
	return cmd
}
