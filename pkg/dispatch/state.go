package dispatch

// State is the lifecycle state of a Dispatcher.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateDraining
	StateStopped
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateRunning:    "running",
	StateDraining:   "draining",
	StateStopped:    "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
