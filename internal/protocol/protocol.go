package protocol

import "time"

// Kind identifies a mesh message. The set is closed: signaling carries
// negotiation and bootstrap kinds, peer links carry the game kinds.
type Kind uint8

const (
	KindOffer Kind = iota + 1
	KindAnswer
	KindCandidate
	KindQualityReport
	KindHeartbeat
	KindState
	KindEvent
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "candidate"
	case KindQualityReport:
		return "quality_report"
	case KindHeartbeat:
		return "heartbeat"
	case KindState:
		return "state"
	case KindEvent:
		return "event"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Scope tags a game message with its authority domain.
type Scope uint8

const (
	ScopeSquad Scope = iota + 1
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeSquad:
		return "squad"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// SignalEnvelope is the unit carried by the signaling transport.
// An empty To means the message is for every participant on the match topic.
type SignalEnvelope struct {
	Kind    Kind   `msgpack:"k"`
	From    string `msgpack:"f"`
	To      string `msgpack:"t,omitempty"`
	Payload []byte `msgpack:"p"`
}

// GameMessage is the unit carried over peer-link data channels.
type GameMessage struct {
	Scope    Scope  `msgpack:"s"`
	SenderID string `msgpack:"id"`
	Sequence uint64 `msgpack:"q"`
	Payload  []byte `msgpack:"p"`
}

// SessionDesc carries an SDP offer or answer during link negotiation.
type SessionDesc struct {
	Type string `msgpack:"type"`
	SDP  string `msgpack:"sdp"`
}

// Candidate carries one ICE candidate discovered during negotiation.
type Candidate struct {
	Candidate     string  `msgpack:"c"`
	SDPMid        *string `msgpack:"mid,omitempty"`
	SDPMLineIndex *uint16 `msgpack:"mline,omitempty"`
}

// Heartbeat is sent periodically over reliable channels so anchors can tell
// a quiet peer from a dead one.
type Heartbeat struct {
	SenderID string    `msgpack:"id"`
	SentAt   time.Time `msgpack:"at"`
}
