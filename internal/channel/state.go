package channel

// State is the lifecycle state of a Channel.
type State int

const (
	// StateStopped means no worker is running. Calls are rejected.
	StateStopped State = iota
	// StateStarting means the worker is being spawned.
	StateStarting
	// StateHandshaking means the initialize call is in flight.
	StateHandshaking
	// StateReady means calls are accepted.
	StateReady
	// StateShuttingDown means Stop is in progress.
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
