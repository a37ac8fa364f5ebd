package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
)

var (
	notifyCorrelationID string
	notifyPayload       string
	notifyError         bool
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Deliver a response for a correlation id, as a worker would",
	Long: `Deliver a response for a correlation id, as a worker would.

Use it to answer an APPROVAL gate (correlation id approval:<node execution id>) or to
complete a task whose worker was lost (correlation id is the task id).`,
	RunE: runNotify,
}

func init() {
	notifyCmd.Flags().StringVar(&notifyCorrelationID, "correlation-id", "", "task id, notify id or approval:<node execution id>")
	notifyCmd.Flags().StringVar(&notifyPayload, "payload", "{}", "JSON payload")
	notifyCmd.Flags().BoolVar(&notifyError, "error", false, "deliver the payload as an error response")
	_ = notifyCmd.MarkFlagRequired("correlation-id")
}

func runNotify(cmd *cobra.Command, args []string) error {
	payload := json.RawMessage(notifyPayload)
	if !json.Valid(payload) {
		return fmt.Errorf("--payload is not valid JSON")
	}

	return withServer(func(ctx context.Context, s *app.Server) error {
		deliver := s.Waiter.Notify
		if notifyError {
			deliver = s.Waiter.NotifyError
		}
		id, err := deliver(ctx, notifyCorrelationID, payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}
