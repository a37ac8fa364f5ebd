package models

import (
	"time"

	"github.com/Gobusters/ectolinq"
)

type InterruptType string

const (
	InterruptTypeAbortAll    InterruptType = "ABORT_ALL"
	InterruptTypeAbort       InterruptType = "ABORT"
	InterruptTypeMarkExpired InterruptType = "MARK_EXPIRED"
	InterruptTypeExpireAll   InterruptType = "EXPIRE_ALL"
	InterruptTypeRetry       InterruptType = "RETRY"
)

var nodeInterruptTypes = []InterruptType{InterruptTypeAbort, InterruptTypeMarkExpired, InterruptTypeRetry}

// TargetsNode reports whether the interrupt type needs a node execution id
func (t InterruptType) TargetsNode() bool {
	return ectolinq.Contains(nodeInterruptTypes, t)
}

type InterruptState string

const (
	InterruptStateRegistered              InterruptState = "REGISTERED"
	InterruptStateProcessing              InterruptState = "PROCESSING"
	InterruptStateProcessedSuccessfully   InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptStateProcessedUnsuccessfully InterruptState = "PROCESSED_UNSUCCESSFULLY"
)

type IssuerType string

const (
	IssuerManual  IssuerType = "MANUAL"
	IssuerTrigger IssuerType = "TRIGGER"
	IssuerPolicy  IssuerType = "POLICY"
	IssuerTimeout IssuerType = "TIMEOUT"
)

type IssuedBy struct {
	Type       IssuerType `json:"type" validate:"required,oneof=MANUAL TRIGGER POLICY TIMEOUT"`
	Identifier string     `json:"identifier,omitempty"`
}

type RetryInterruptConfig struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

// InterruptConfig carries issuer metadata and type-specific options
type InterruptConfig struct {
	IssuedBy    IssuedBy              `json:"issued_by"`
	RetryConfig *RetryInterruptConfig `json:"retry_config,omitempty"`
}

// Interrupt is a request to change the course of a plan or node execution
type Interrupt struct {
	ID              string          `json:"id"`
	Type            InterruptType   `json:"type"`
	PlanExecutionID string          `json:"plan_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	State           InterruptState  `json:"state"`
	Config          InterruptConfig `json:"config"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InterruptEffect is an append-only record of an interrupt applied to a node
type InterruptEffect struct {
	InterruptID string          `json:"interrupt_id"`
	Type        InterruptType   `json:"type"`
	Config      InterruptConfig `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
}
