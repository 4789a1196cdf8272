package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	color "github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/petrijr/awaitflow"
	"github.com/petrijr/awaitflow/pkg/api"
)

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Print the stored history of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := requireDB(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng := a.runner.Engine
			exec, err := eng.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			hist, err := eng.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s  %s\n", exec.ID, exec.Workflow, statusString(exec.Status))
			return printHistory(out, eng.Converter(), hist)
		},
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Replay an execution's history against the current workflow code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := requireDB(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.runner.Engine.Verify(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("verify %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("%s: history replays cleanly", args[0]))
			return nil
		},
	}
}

func printHistory(w io.Writer, dc awaitflow.DataConverter, hist []awaitflow.HistoryEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tTYPE\tDETAIL")
	for _, ev := range hist {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, ev.At.UTC().Format(time.RFC3339Nano), ev.Type, eventDetail(dc, ev))
	}
	return tw.Flush()
}

func eventDetail(dc awaitflow.DataConverter, ev awaitflow.HistoryEvent) string {
	switch ev.Type {
	case api.EventExecutionStarted:
		return fmt.Sprintf("workflow=%s input=%s", ev.Workflow, payloadString(dc, ev.Payload))
	case api.EventSignalReceived:
		return fmt.Sprintf("signal=%s id=%s arg=%s", ev.SignalName, ev.SignalID, payloadString(dc, ev.Payload))
	case api.EventTimerStarted, api.EventTimerFired, api.EventTimerCanceled:
		return fmt.Sprintf("await=%d fire_at=%s", ev.AwaitID, ev.FireAt.UTC().Format(time.RFC3339Nano))
	case api.EventAwaitResolved:
		return fmt.Sprintf("await=%d outcome=%s", ev.AwaitID, ev.Outcome)
	case api.EventExecutionCompleted:
		return "value=" + payloadString(dc, ev.Payload)
	case api.EventExecutionFailed:
		return ev.Failure.Error()
	default:
		return ev.Detail
	}
}

func payloadString(dc awaitflow.DataConverter, p awaitflow.Payload) string {
	if len(p) == 0 {
		return "-"
	}
	var v any
	if err := dc.FromPayload(p, &v); err != nil {
		return fmt.Sprintf("<%d bytes>", len(p))
	}
	return fmt.Sprintf("%v", v)
}

func statusString(s awaitflow.Status) string {
	switch s {
	case awaitflow.StatusCompleted:
		return color.GreenString(string(s))
	case awaitflow.StatusFailed, awaitflow.StatusCanceled:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
