package pipeline

// State is the lifecycle state of a Pipeline.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateResyncRequired
	StateTerminated
)

var stateNames = [...]string{
	StateInit:           "INIT",
	StateConnecting:     "CONNECTING",
	StateStreaming:      "STREAMING",
	StateDraining:       "DRAINING",
	StateResyncRequired: "RESYNC_REQUIRED",
	StateTerminated:     "TERMINATED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
