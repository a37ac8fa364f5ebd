package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNodes writes one row per node execution, indented by ambiance depth
func printNodes(w io.Writer, nodes []models.NodeExecution) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTEP\tMODE\tSTATUS\tDURATION\tMESSAGE")
	for _, n := range nodes {
		indent := ""
		for i := 1; i < len(n.Ambiance.Levels); i++ {
			indent += "  "
		}
		message := ""
		if n.FailureInfo != nil {
			message = n.FailureInfo.Message
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%s\t%s\n",
			indent, n.PlanNode.Identifier, n.PlanNode.StepType, n.Mode, n.Status, duration(n), message)
	}
	return tw.Flush()
}

func duration(n models.NodeExecution) string {
	if n.StartTs == 0 || n.EndTs == nil {
		return "-"
	}
	return (time.Duration(*n.EndTs-n.StartTs) * time.Millisecond).String()
}
