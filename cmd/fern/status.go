package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
)

var (
	statusPlanExecutionID string
	statusJSON            bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a plan execution, its nodes and its interrupts",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPlanExecutionID, "plan-execution", "", "plan execution id")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
	_ = statusCmd.MarkFlagRequired("plan-execution")
}

type statusReport struct {
	Execution  *models.PlanExecution  `json:"execution"`
	Nodes      []models.NodeExecution `json:"nodes"`
	Interrupts []models.Interrupt     `json:"interrupts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withServer(func(ctx context.Context, s *app.Server) error {
		execution, err := s.Plans.GetByID(ctx, statusPlanExecutionID)
		if err != nil {
			return err
		}
		nodes, err := s.Nodes.FetchByPlanExecution(ctx, statusPlanExecutionID)
		if err != nil {
			return err
		}
		applied, err := s.Interrupts.List(ctx, statusPlanExecutionID)
		if err != nil {
			return err
		}

		report := statusReport{Execution: execution, Nodes: nodeexecution.Effective(nodes), Interrupts: applied}
		out := cmd.OutOrStdout()
		if statusJSON {
			return printJSON(out, report)
		}

		fmt.Fprintf(out, "plan execution %s %s\n\n", execution.ID, execution.Status)
		if err := printNodes(out, report.Nodes); err != nil {
			return err
		}
		if len(applied) > 0 {
			fmt.Fprintln(out)
			for _, i := range applied {
				fmt.Fprintf(out, "interrupt %s %s %s %s\n", i.ID, i.Type, i.NodeExecutionID, i.State)
			}
		}
		return nil
	})
}
