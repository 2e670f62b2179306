package realtime

// State is the lifecycle state of a Manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Stale
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Stale:
		return "STALE"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether a transport is open in this state.
func (s State) Live() bool { return s == Connected || s == Stale }
