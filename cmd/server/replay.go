package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var replayDryRun bool

var replayCmd = &cobra.Command{
	Use:   "replay <signal-id>",
	Short: "Re-evaluate a stored signal",
	Long: "Re-evaluates a stored signal, looked up by internal or external id.\n" +
		"With --dry-run the evaluation has no side effects and the simulated outcome is printed.\n" +
		"A live replay waits for the evaluation to finish before exiting.",
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "simulate without dispatching any action")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	signal, err := a.store.GetSignal(ctx, args[0])
	if err != nil {
		return fmt.Errorf("signal %s: %w", args[0], err)
	}
	out, err := a.runner.ReplaySignal(ctx, signal.TeamID, signal.ID, replayDryRun)
	if err != nil {
		return err
	}
	if out == nil {
		// Live replays run in the background; wait for them to finish.
		if err := a.runner.Shutdown(ctx); err != nil {
			return err
		}
		runs, err := a.store.ListRuns(ctx, signal.TeamID, 1)
		if err == nil && len(runs) > 0 {
			return printJSON(cmd, runs[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), "replay finished")
		return nil
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
