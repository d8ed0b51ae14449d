package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/runs"
	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/internal/trace"
	"github.com/me/rtdispatch/pkg/model"
)

func newRunCmd() *cobra.Command {
	cfg := config.DefaultRunConfig()
	var noRecord, showTrace bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run a scenario and record its trace",
		Long: `Runs a scenario file against the simulated interrupt controller and clock
(or a wall-clock ticker with --realtime), then records the run and its trace
in the local database.

When the scenario has an expect block the command succeeds only if the
outcome matches it. Otherwise the process exit status follows the run: a
debug exit passes its status through, a halted or failed run exits 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Record = !noRecord
			s, err := scenario.NewParser(logger).ParseFile(args[0])
			if err != nil {
				return err
			}
			opts, err := runs.OptionsFromConfig(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel func()
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			var st store.Store
			if cfg.Record {
				sqlite, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer sqlite.Close()
				st = sqlite
			}

			run, res, err := runs.NewService(st, opts, logger).Execute(ctx, s)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printResult(out, run, res)
			if showTrace {
				fmt.Fprintln(out)
				for _, ev := range res.Events {
					fmt.Fprintln(out, trace.Format(ev))
				}
			}

			if s.Expect != nil {
				if err := res.Check(s.Expect); err != nil {
					return fmt.Errorf("expectation not met: %w", err)
				}
				return nil
			}
			switch res.Status {
			case model.RunStatusExited:
				if *res.ExitCode != 0 {
					return &ExitCodeError{Code: *res.ExitCode}
				}
			case model.RunStatusHalted, model.RunStatusFailed:
				return res.Err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRecord, "no-record", false, "Do not store the run")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "Print the trace after the summary")
	cmd.Flags().BoolVar(&cfg.Realtime, "realtime", cfg.Realtime, "Drive the dispatcher from a wall-clock ticker")
	cmd.Flags().Uint32Var(&cfg.RateHz, "rate", cfg.RateHz, "Tick rate in Hz (default: the scenario's, else 1000)")
	cmd.Flags().Uint8Var(&cfg.MaxPriority, "max-priority", cfg.MaxPriority, "Number of priority levels (default: the scenario's, else 8)")
	cmd.Flags().IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "Queue capacity of software tasks that do not set one")
	cmd.Flags().StringVar(&cfg.PanicPolicy, "panic-policy", cfg.PanicPolicy, "What a panicking task does: halt or propagate")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this long (0 for no limit)")

	return cmd
}

func printResult(w io.Writer, run *model.Run, res *scenario.Result) {
	fmt.Fprintf(w, "Scenario: %s\n", res.Scenario)
	if run != nil {
		fmt.Fprintf(w, "  Run:      %s\n", run.ID)
	}
	fmt.Fprintf(w, "  Status:   %s\n", res.Status)
	if res.ExitCode != nil {
		fmt.Fprintf(w, "  Exit:     %d\n", *res.ExitCode)
	}
	fmt.Fprintf(w, "  Ticks:    %s (%s)\n", humanize.Comma(int64(res.Ticks)), res.Elapsed())
	fmt.Fprintf(w, "  Events:   %s\n", humanize.Comma(int64(len(res.Events))))
	if res.Err != nil {
		fmt.Fprintf(w, "  Error:    %v\n", res.Err)
	}

	if len(res.Tasks) > 0 {
		fmt.Fprintf(w, "\n%-16s  %-4s  %-8s  %s\n", "TASK", "PRIO", "KIND", "STATE")
		for _, t := range res.Tasks {
			fmt.Fprintf(w, "%-16s  %-4d  %-8s  %s\n", t.ID, t.Priority, t.Trigger, t.State)
		}
	}

	if len(res.Resources) > 0 {
		names := make([]string, 0, len(res.Resources))
		for name := range res.Resources {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "\nResources:")
		for _, name := range names {
			fmt.Fprintf(w, "  %s = %v\n", name, res.Resources[name])
		}
	}
}
