package models

import (
	"encoding/json"
	"time"
)

type WaitInstanceStatus string

const (
	WaitStatusWaiting    WaitInstanceStatus = "WAITING"
	WaitStatusProcessing WaitInstanceStatus = "PROCESSING"
	WaitStatusDone       WaitInstanceStatus = "DONE"
	WaitStatusTimedOut   WaitInstanceStatus = "TIMED_OUT"
)

// CallbackRef names a registered callback handler and the opaque payload it is given on delivery
type CallbackRef struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCallbackRef serializes payload for the handler registered under callbackType
func NewCallbackRef(callbackType string, payload any) (CallbackRef, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return CallbackRef{}, err
	}
	return CallbackRef{Type: callbackType, Payload: data}, nil
}

// WaitInstance waits for every one of its correlation ids before its callback runs
type WaitInstance struct {
	ID             string             `json:"id"`
	CorrelationIDs []string           `json:"correlation_ids"`
	Callback       CallbackRef        `json:"callback"`
	TimeoutMsec    int64              `json:"timeout_msec"`
	Status         WaitInstanceStatus `json:"status"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	// ClaimedAt is set while a delivery holds the instance in PROCESSING
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// IsExpired reports whether the wait's timeout has elapsed at now
func (w *WaitInstance) IsExpired(now time.Time) bool {
	return w.ExpiresAt != nil && !now.Before(*w.ExpiresAt)
}

// WaitQueue joins one correlation id to one wait instance
type WaitQueue struct {
	ID             string    `json:"id"`
	WaitInstanceID string    `json:"wait_instance_id"`
	CorrelationID  string    `json:"correlation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotifyResponse is the stored result for a completed correlation id
type NotifyResponse struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         bool            `json:"error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ResponseData is what a callback sees for one correlation id
type ResponseData struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   bool            `json:"error"`
}

// NotifyEvent asks the dispatcher to re-evaluate one wait instance
type NotifyEvent struct {
	WaitInstanceID string   `json:"wait_instance_id"`
	CorrelationIDs []string `json:"correlation_ids,omitempty"`
	Timeout        bool     `json:"timeout,omitempty"`
}
