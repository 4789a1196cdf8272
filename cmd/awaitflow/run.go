package main

import (
	"context"
	"fmt"
	"time"

	color "github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/petrijr/awaitflow"
	"github.com/petrijr/awaitflow/internal/greeting"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the HelloAwait sample end to end",
		Long: "Starts the greeting workflow, sends it a name and prints the greeting. " +
			"With --no-signal the workflow times out after ten seconds.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noSignal, _ := cmd.Flags().GetBool("no-signal")
			name, _ := cmd.Flags().GetString("name")
			token, _ := cmd.Flags().GetString("token")
			id, _ := cmd.Flags().GetString("id")
			wait, _ := cmd.Flags().GetDuration("wait")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			return runGreeting(cmd, a, runOptions{
				ID:       id,
				Token:    token,
				Name:     name,
				NoSignal: noSignal,
				Wait:     wait,
			})
		},
	}

	cmd.Flags().Bool("no-signal", false, "Don't send a name, let the wait time out")
	cmd.Flags().String("name", "World", "Name sent with the waitForName signal")
	cmd.Flags().String("token", "foobar", "Token passed as workflow input")
	cmd.Flags().String("id", greeting.WorkflowID, "Execution ID")
	cmd.Flags().Duration("wait", time.Minute, "How long to wait for the result")
	return cmd
}

type runOptions struct {
	ID       string
	Token    string
	Name     string
	NoSignal bool
	Wait     time.Duration
}

func runGreeting(cmd *cobra.Command, a *app, opts runOptions) error {
	ctx := cmd.Context()
	eng := a.runner.Engine

	if _, err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := a.runner.StartWorkers(ctx, a.cfg.Workers); err != nil {
		return err
	}

	exec, err := eng.Start(ctx, awaitflow.StartOptions{
		ID:       opts.ID,
		Workflow: greeting.WorkflowName,
		Input:    greeting.Request{Token: opts.Token},
	})
	if err != nil {
		return fmt.Errorf("failed to start workflow: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started %s (%s)\n", exec.ID, exec.Workflow)

	if !opts.NoSignal && !exec.Status.Terminal() {
		err := a.runner.SignalAsync(ctx, awaitflow.SignalRequest{
			ExecutionID: exec.ID,
			Name:        greeting.SignalWaitForName,
			Arg:         opts.Name,
		})
		if err != nil {
			return fmt.Errorf("failed to signal workflow: %w", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
	defer cancel()
	res, err := eng.Result(waitCtx, exec.ID)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", exec.ID, err)
	}

	var out string
	if err := res.Get(&out); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), color.RedString("Workflow %s: %v", res.Status, err))
		return fmt.Errorf("workflow %s failed: %w", exec.ID, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("%s", out))
	return nil
}
