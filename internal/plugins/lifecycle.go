package plugins

// State is the lifecycle state of a loaded plugin.
type State int

const (
	// StateLoaded is the initial state after a successful load.
	StateLoaded State = iota
	StateEnabled
	StateDisabled
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateEnabled:
		return "ENABLED"
	case StateDisabled:
		return "DISABLED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// transitions holds the legal (from, to) pairs, excluding recovery from ERROR
// which is always permitted regardless of target.
var transitions = map[State]map[State]bool{
	StateLoaded:   {StateEnabled: true, StateError: true},
	StateEnabled:  {StateDisabled: true, StateError: true},
	StateDisabled: {StateEnabled: true, StateError: true},
	StateError:    {StateLoaded: true, StateDisabled: true, StateEnabled: true},
}

// CanTransition reports whether moving from `from` to `to` is legal. Any
// transition originating at StateError is always legal (recovery).
func CanTransition(from, to State) bool {
	if from == StateError {
		return true
	}
	return transitions[from][to]
}

// IsActive reports whether a plugin in this state is doing live work.
func IsActive(s State) bool {
	return s == StateEnabled
}

// CanEnable reports whether `enable` may be called from this state.
func CanEnable(s State) bool {
	return s == StateLoaded || s == StateDisabled
}

// CanDisable reports whether `disable` may be called from this state.
func CanDisable(s State) bool {
	return s == StateEnabled
}
