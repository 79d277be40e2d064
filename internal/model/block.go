package model

import "time"

// Block status constants.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusDeleted = "deleted"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusRunning: true,
		StatusDeleted: true,
	},
	StatusRunning: {
		StatusStopped: true,
	},
	StatusStopped: {
		StatusRunning: true,
		StatusDeleted: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Block is the persisted record of a load-generation block.
type Block struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	RegState  string     `json:"reg_state"`
	Spec      BlockSpec  `json:"spec"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Stats mirrors a block's stats accumulator.
type Stats struct {
	IntendedLoad             uint32 `json:"intended_load"`
	IntendedRegistrationLoad uint32 `json:"intended_registration_load"`

	AttemptedConnections    uint64 `json:"attempted_connections"`
	ActiveConnections       uint64 `json:"active_connections"`
	SuccessfulConnections   uint64 `json:"successful_connections"`
	UnsuccessfulConnections uint64 `json:"unsuccessful_connections"`
	AbortedConnections      uint64 `json:"aborted_connections"`

	RegistrationAttempts  uint64 `json:"registration_attempts"`
	RegistrationSuccesses uint64 `json:"registration_successes"`
	RegistrationFailures  uint64 `json:"registration_failures"`

	ResponseTimeMinMS        uint64  `json:"response_time_min_ms"`
	ResponseTimeMaxMS        uint64  `json:"response_time_max_ms"`
	ResponseTimeCumulativeMS uint64  `json:"response_time_cumulative_ms"`
	ResponseTimeAvgMS        float64 `json:"response_time_avg_ms"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Add folds o into s. Minimum response time ignores zero (unset) values and
// the average is recomputed from the summed totals.
func (s *Stats) Add(o Stats) {
	s.IntendedLoad += o.IntendedLoad
	s.IntendedRegistrationLoad += o.IntendedRegistrationLoad
	s.AttemptedConnections += o.AttemptedConnections
	s.ActiveConnections += o.ActiveConnections
	s.SuccessfulConnections += o.SuccessfulConnections
	s.UnsuccessfulConnections += o.UnsuccessfulConnections
	s.AbortedConnections += o.AbortedConnections
	s.RegistrationAttempts += o.RegistrationAttempts
	s.RegistrationSuccesses += o.RegistrationSuccesses
	s.RegistrationFailures += o.RegistrationFailures

	if o.ResponseTimeMinMS != 0 && (s.ResponseTimeMinMS == 0 || o.ResponseTimeMinMS < s.ResponseTimeMinMS) {
		s.ResponseTimeMinMS = o.ResponseTimeMinMS
	}
	s.ResponseTimeMaxMS = max(s.ResponseTimeMaxMS, o.ResponseTimeMaxMS)
	s.ResponseTimeCumulativeMS += o.ResponseTimeCumulativeMS
	if s.RegistrationSuccesses > 0 {
		s.ResponseTimeAvgMS = float64(s.ResponseTimeCumulativeMS) / float64(s.RegistrationSuccesses)
	}
	if o.UpdatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = o.UpdatedAt
	}
}
