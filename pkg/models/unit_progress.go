package models

type UnitStatus string

const (
	UnitStatusRunning UnitStatus = "RUNNING"
	UnitStatusSuccess UnitStatus = "SUCCESS"
	UnitStatusFailure UnitStatus = "FAILURE"
	UnitStatusExpired UnitStatus = "EXPIRED"
	UnitStatusAborted UnitStatus = "ABORTED"
	UnitStatusSkipped UnitStatus = "SKIPPED"
)

// IsFinal reports whether the unit is no longer running
func (s UnitStatus) IsFinal() bool {
	return s != UnitStatusRunning && s != ""
}

// UnitStatusFor maps a node status onto the unit status it forces on running units
func UnitStatusFor(status Status) UnitStatus {
	switch status {
	case StatusSucceeded:
		return UnitStatusSuccess
	case StatusExpired:
		return UnitStatusExpired
	case StatusAborted:
		return UnitStatusAborted
	case StatusSkipped:
		return UnitStatusSkipped
	default:
		return UnitStatusFailure
	}
}

// UnitProgress tracks one sub-unit of a task, such as a deployment command
type UnitProgress struct {
	UnitName  string     `json:"unit_name"`
	Status    UnitStatus `json:"status"`
	StartTime int64      `json:"start_time,omitempty"`
	EndTime   int64      `json:"end_time,omitempty"`
}

type FailureType string

const (
	FailureTypeApplication          FailureType = "APPLICATION"
	FailureTypeTimeout              FailureType = "TIMEOUT"
	FailureTypeAuthorization        FailureType = "AUTHORIZATION"
	FailureTypeConnectivity         FailureType = "CONNECTIVITY"
	FailureTypeDelegateProvisioning FailureType = "DELEGATE_PROVISIONING"
	FailureTypeUnknown              FailureType = "UNKNOWN"
)

type FailureInfo struct {
	Message      string        `json:"message"`
	FailureTypes []FailureType `json:"failure_types,omitempty"`
}

// CloseUnits ends every unit for a node that reached status. Running units take the
// mapped unit status, final units keep theirs, and every unit gets an end time.
func CloseUnits(units []UnitProgress, status Status, nowMillis int64) []UnitProgress {
	out := make([]UnitProgress, len(units))
	for i, u := range units {
		if !u.Status.IsFinal() {
			u.Status = UnitStatusFor(status)
		}
		if u.EndTime == 0 {
			u.EndTime = nowMillis
		}
		out[i] = u
	}
	return out
}
