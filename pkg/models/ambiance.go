package models

// Level is one frame of the ambiance call stack
type Level struct {
	RuntimeID  string `json:"runtime_id"`
	SetupID    string `json:"setup_id"`
	Identifier string `json:"identifier"`
	StepType   string `json:"step_type"`
}

// Ambiance is the execution context handed to every step: the owning
// plan execution plus the chain of ancestor node executions.
type Ambiance struct {
	PlanExecutionID string  `json:"plan_execution_id"`
	Levels          []Level `json:"levels"`
}

// CurrentRuntimeID returns the node execution id the ambiance points at
func (a Ambiance) CurrentRuntimeID() string {
	if len(a.Levels) == 0 {
		return ""
	}
	return a.Levels[len(a.Levels)-1].RuntimeID
}

// CurrentLevel returns the innermost level, if any
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

func (a Ambiance) Clone() Ambiance {
	levels := make([]Level, len(a.Levels))
	copy(levels, a.Levels)
	return Ambiance{PlanExecutionID: a.PlanExecutionID, Levels: levels}
}

// WithLevel returns a copy of the ambiance with one more level pushed
func (a Ambiance) WithLevel(level Level) Ambiance {
	c := a.Clone()
	c.Levels = append(c.Levels, level)
	return c
}

// CloneForRetry returns a copy whose innermost level points at the retry clone
func (a Ambiance) CloneForRetry(newRuntimeID string) Ambiance {
	c := a.Clone()
	if len(c.Levels) > 0 {
		c.Levels[len(c.Levels)-1].RuntimeID = newRuntimeID
	}
	return c
}

// ContainsRuntimeID reports whether the node execution is this ambiance's node or one of its ancestors
func (a Ambiance) ContainsRuntimeID(runtimeID string) bool {
	for _, l := range a.Levels {
		if l.RuntimeID == runtimeID {
			return true
		}
	}
	return false
}
