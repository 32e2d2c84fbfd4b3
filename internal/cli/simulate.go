package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/harness"
	"github.com/phoenixguard/sentinel/pkg/types"
)

func newSimulateCmd() *cobra.Command {
	var (
		builtin   string
		list      bool
		mode      string
		decoySize string
		events    bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "simulate [SCENARIO.yaml]",
		Short: "Replay an operation trace through an in-process sentinel",
		Long: `Replay a recorded or scripted operation trace through a fresh sentinel backed
by an in-memory flash part, and print the verdict for every operation.

Steps with an "expect" action that the sentinel does not produce are reported
as mismatches, and the command exits with status 2.`,
		Example: `  sentinel simulate --list
  sentinel simulate --builtin bootkit-honeypot
  sentinel simulate trace.yaml --mode anti-forage --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, name := range harness.BuiltinNames() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}

			var (
				sc  *harness.Scenario
				err error
			)
			switch {
			case builtin != "" && len(args) == 1:
				return fmt.Errorf("use either a scenario file or --builtin")
			case builtin != "":
				sc, err = harness.Builtin(builtin)
			case len(args) == 1:
				sc, err = harness.Load(args[0])
			default:
				return fmt.Errorf("a scenario file or --builtin is required (see --list)")
			}
			if err != nil {
				return err
			}
			if mode != "" {
				sc.Mode = mode
			}

			opts := harness.Options{
				Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			}
			if decoySize != "" {
				n, err := config.ParseByteSize(decoySize)
				if err != nil {
					return fmt.Errorf("--decoy-size: %w", err)
				}
				opts.DecoySize = int(n)
			}
			if events && !asJSON {
				opts.Publisher = eventPrinter{w: cmd.OutOrStdout()}
			}

			out, err := harness.Run(commandContext(cmd), sc, opts)
			if err != nil {
				return err
			}
			if asJSON {
				if err := printJSON(cmd, out); err != nil {
					return err
				}
			} else {
				printOutcome(cmd.OutOrStdout(), out)
			}
			if out.Mismatches > 0 {
				return &ExitError{code: exitCheckFailed, message: fmt.Sprintf("%d step(s) did not match their expected verdict", out.Mismatches)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&builtin, "builtin", "", "Run a bundled scenario")
	cmd.Flags().BoolVar(&list, "list", false, "List bundled scenarios")
	cmd.Flags().StringVar(&mode, "mode", "", "Override the scenario's protection mode")
	cmd.Flags().StringVar(&decoySize, "decoy-size", "", "Decoy image size (default: whole flash)")
	cmd.Flags().BoolVar(&events, "events", false, "Print gateway events as they are published")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the outcome as JSON")
	return cmd
}

// eventPrinter writes notable gateway events inline with the step output.
type eventPrinter struct {
	w io.Writer
}

func (p eventPrinter) Publish(ev types.Event) {
	switch ev.Type {
	case gateway.EventIntercept:
		return
	case gateway.EventThresholdCrossed:
		fmt.Fprintf(p.w, "  ! %s: %s\n", ev.Type, ev.Message)
	default:
		fmt.Fprintf(p.w, "  * %s %v\n", ev.Type, ev.Fields)
	}
}

func printOutcome(w io.Writer, out *harness.Outcome) {
	fmt.Fprintf(w, "Scenario: %s (mode %s)\n\n", out.Scenario, out.Mode)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tOPERATION\tACTION\tSCORE\tAPPLIED\tDESCRIPTION")
	for _, s := range out.Steps {
		desc := s.Desc
		if s.Error != "" {
			desc += " [error: " + s.Error + "]"
		}
		if s.Mismatch != "" {
			desc += " [MISMATCH: " + s.Mismatch + "]"
		}
		name := s.Op.String()
		if s.Name != "" {
			name = s.Name + " " + name
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", s.Step, name, strings.ToUpper(string(s.Action)), s.Score, yesNo(s.Applied), desc)
	}
	tw.Flush()

	fmt.Fprintln(w)
	if r := out.Report; r != nil {
		fmt.Fprintf(w, "Verdict:     %s (score %d)\n", r.Verdict, r.Score)
		fmt.Fprintf(w, "Kill chain:  %s\n", r.KillChainStage)
		if len(r.Indicators) > 0 {
			fmt.Fprintf(w, "Indicators:  %s\n", strings.Join(r.Indicators, ", "))
		}
	}
	fmt.Fprintf(w, "Device I/O:  %d call(s) reached the real flash\n", out.DeviceCalls)
	if out.Mismatches > 0 {
		fmt.Fprintf(w, "Mismatches:  %d\n", out.Mismatches)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
