package mcpclient

// ConnectionState is the manager-wide lifecycle state.
type ConnectionState int

// States in forward order
const (
	StateUninitialized ConnectionState = iota
	StateInitialized
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
