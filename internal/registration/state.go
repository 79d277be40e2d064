package registration

import (
	"fmt"
	"strings"
)

// State is the aggregate registration state of a block.
type State int

const (
	NotRegistered State = iota
	Registering
	Unregistering
	Succeeded
	Failed
	Canceled
)

var stateNames = [...]string{
	NotRegistered: "NOT_REGISTERED",
	Registering:   "REGISTERING",
	Unregistering: "UNREGISTERING",
	Succeeded:     "REGISTRATION_SUCCEEDED",
	Failed:        "REGISTRATION_FAILED",
	Canceled:      "REGISTRATION_CANCELED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// InProgress reports whether a workflow is dispatching in this state.
func (s State) InProgress() bool {
	return s == Registering || s == Unregistering
}

// ParseState parses a state name, case-insensitively.
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(v, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown registration state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// validTransitions lists the allowed moves. Failed is reachable while a
// workflow is still in flight, so cancel is allowed from it too.
var validTransitions = map[State][]State{
	NotRegistered: {Registering, Unregistering},
	Registering:   {Succeeded, Failed, Canceled},
	Unregistering: {NotRegistered, Failed, Canceled},
	Succeeded:     {Registering, Unregistering},
	Failed:        {Registering, Unregistering, Canceled},
	Canceled:      {Registering, Unregistering},
}

// ValidTransition reports whether from -> to is allowed.
func ValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Op selects the direction of a workflow.
type Op int

const (
	OpRegister Op = iota
	OpUnregister
)

func (o Op) String() string {
	if o == OpUnregister {
		return "unregister"
	}
	return "register"
}

// Resolution classifies one entity result.
type Resolution int

const (
	// Ignored means the result arrived after the workflow ended.
	Ignored Resolution = iota
	ResolvedSucceeded
	ResolvedRetrying
	ResolvedFailed
)

func (r Resolution) String() string {
	switch r {
	case ResolvedSucceeded:
		return "succeeded"
	case ResolvedRetrying:
		return "retrying"
	case ResolvedFailed:
		return "failed"
	}
	return "ignored"
}
