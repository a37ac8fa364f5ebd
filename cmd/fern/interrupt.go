package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/interrupts"
	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	interruptType            string
	interruptPlanExecutionID string
	interruptNodeExecutionID string
	interruptIssuer          string
	interruptRetryParams     string
)

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Register an interrupt against a running plan execution",
	Long: `Register an interrupt against a running plan execution.

Types: ABORT_ALL and EXPIRE_ALL act on the whole plan execution; ABORT, MARK_EXPIRED
and RETRY need --node-execution.`,
	RunE: runInterrupt,
}

func init() {
	interruptCmd.Flags().StringVar(&interruptType, "type", "", "ABORT_ALL, ABORT, MARK_EXPIRED, EXPIRE_ALL or RETRY")
	interruptCmd.Flags().StringVar(&interruptPlanExecutionID, "plan-execution", "", "plan execution id")
	interruptCmd.Flags().StringVar(&interruptNodeExecutionID, "node-execution", "", "node execution id")
	interruptCmd.Flags().StringVar(&interruptIssuer, "issued-by", "", "who is issuing the interrupt, recorded in node history")
	interruptCmd.Flags().StringVar(&interruptRetryParams, "retry-params", "", "JSON object of parameters for a RETRY")
	_ = interruptCmd.MarkFlagRequired("type")
	_ = interruptCmd.MarkFlagRequired("plan-execution")
}

func runInterrupt(cmd *cobra.Command, args []string) error {
	req := interrupts.InterruptRequest{
		Type:            models.InterruptType(strings.ToUpper(interruptType)),
		PlanExecutionID: interruptPlanExecutionID,
		NodeExecutionID: interruptNodeExecutionID,
		Config: models.InterruptConfig{
			IssuedBy: models.IssuedBy{Type: models.IssuerManual, Identifier: interruptIssuer},
		},
	}
	if interruptRetryParams != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(interruptRetryParams), &params); err != nil {
			return fmt.Errorf("--retry-params must be a JSON object: %w", err)
		}
		req.Config.RetryConfig = &models.RetryInterruptConfig{Parameters: params}
	}

	return withServer(func(ctx context.Context, s *app.Server) error {
		interrupt, err := s.Interrupts.Register(ctx, req)
		if interrupt != nil {
			if printErr := printJSON(cmd.OutOrStdout(), interrupt); printErr != nil {
				return printErr
			}
		}
		return err
	})
}
