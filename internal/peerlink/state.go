package peerlink

// State is the lifecycle of one direct peer connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransition encodes the link state machine: disconnected→connecting→
// connected, failed reachable from connecting or connected on transport
// error, disconnected reachable again on clean close.
func validTransition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateFailed || to == StateDisconnected
	case StateConnected:
		return to == StateFailed || to == StateDisconnected
	case StateFailed:
		return false
	default:
		return false
	}
}

// ChannelKind distinguishes the two data channels of a link.
type ChannelKind int

const (
	// ChannelUnreliable carries high-frequency state where a dropped or
	// reordered packet is cheaper than retransmission latency.
	ChannelUnreliable ChannelKind = iota
	// ChannelReliable carries one-shot events where loss is unacceptable.
	ChannelReliable
)

func (k ChannelKind) String() string {
	if k == ChannelReliable {
		return "reliable"
	}
	return "unreliable"
}
