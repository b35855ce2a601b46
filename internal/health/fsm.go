package health

// State is the runtime's connectivity mode.
type State int

const (
	Unknown State = iota
	Operational
	Degraded
)

func (s State) String() string {
	switch s {
	case Operational:
		return "operational"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Action is the navigation side effect of a transition.
type Action int

const (
	None Action = iota
	// EnterDegraded navigates to the degraded screen.
	EnterDegraded
	// LeaveDegraded navigates from the degraded screen back to the dashboard.
	LeaveDegraded
)

func (a Action) String() string {
	switch a {
	case EnterDegraded:
		return "enter_degraded"
	case LeaveDegraded:
		return "leave_degraded"
	default:
		return "none"
	}
}

// Transition is the whole connectivity state machine. Entering degraded
// mode fires only when the healthy flag flips, never on a repeated
// observation. A healthy observation always leads off the degraded screen,
// whoever navigated there.
func Transition(s State, healthy, onDegradedScreen bool) (State, Action) {
	switch {
	case !healthy && s != Degraded:
		if onDegradedScreen {
			return Degraded, None
		}
		return Degraded, EnterDegraded
	case !healthy:
		return Degraded, None
	case onDegradedScreen:
		return Operational, LeaveDegraded
	default:
		return Operational, None
	}
}
