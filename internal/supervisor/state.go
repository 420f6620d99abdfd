package supervisor

import "fmt"

// State of the supervised child process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions is the source of truth for legal state changes. Signal delivery
// and process events feed transitions; they do not hold state themselves.
var transitions = map[State][]State{
	StateStopped:      {StateStarting},
	StateStarting:     {StateRunning, StateRestarting, StateStopped, StateShuttingDown},
	StateRunning:      {StateRestarting, StateStopped, StateShuttingDown},
	StateRestarting:   {StateStarting, StateStopped, StateShuttingDown},
	StateShuttingDown: {StateStopped},
}

// canTransition reports whether moving from to next is legal.
func canTransition(from, next State) bool {
	for _, allowed := range transitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}
