package models

import "time"

// PlanExecution is one run of a plan
type PlanExecution struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Plan      Plan      `json:"plan"`
	StartTs   int64     `json:"start_ts"`
	EndTs     *int64    `json:"end_ts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
