package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	runPlanFile string
	runLocal    bool
	runJSON     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger a plan execution",
	Long: `Trigger a plan execution from a compiled plan file.

With --local the plan runs to completion inside this process: state is kept in memory
and SHELL tasks run as child processes. Without it the plan is handed to the engine
fleet through postgres and redis and the new plan execution id is printed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "path to a plan file (YAML or JSON)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "run the plan in-process and wait for it to finish")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	_ = runCmd.MarkFlagRequired("plan")
}

func runRun(cmd *cobra.Command, args []string) error {
	plan, err := models.LoadPlanFile(runPlanFile)
	if err != nil {
		return err
	}

	if !runLocal {
		return withServer(func(ctx context.Context, s *app.Server) error {
			execution, err := s.Engine.StartPlanExecution(ctx, *plan)
			if err != nil {
				return err
			}
			if runJSON {
				return printJSON(cmd.OutOrStdout(), execution)
			}
			fmt.Fprintln(cmd.OutOrStdout(), execution.ID)
			return nil
		})
	}

	cfg, logger, flush, err := bootstrap()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := signalContext()
	defer cancel()

	local, err := app.NewLocal(cfg, logger)
	if err != nil {
		return err
	}
	result, err := local.Run(ctx, *plan)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "plan execution %s %s\n\n", result.Execution.ID, result.Execution.Status)
		if err := printNodes(out, result.Nodes); err != nil {
			return err
		}
	}

	if result.Execution.Status != models.StatusSucceeded {
		return fmt.Errorf("plan execution ended %s", result.Execution.Status)
	}
	return nil
}
