package plugin

// State is a lifecycle phase shared by plugins and their per-account gateways.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateInitialized  State = "initialized"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateRegistered:   {StateInitializing, StateStopped},
	StateInitializing: {StateInitialized, StateFailed},
	StateInitialized:  {StateStarting, StateStopping, StateStopped, StateFailed},
	StateStarting:     {StateRunning, StateFailed, StateStopping},
	StateRunning:      {StateStopping, StateFailed},
	StateStopping:     {StateStopped, StateFailed},
	// Failed is terminal except for a restart attempt or final teardown.
	StateFailed:  {StateStarting, StateStopping, StateStopped},
	StateStopped: nil,
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

func (s State) String() string { return string(s) }
