// Package signal provides the match-scoped bootstrap channel: a small
// publish/subscribe surface used to exchange negotiation payloads and quality
// reports before direct peer links exist. It never carries steady-state game
// traffic.
package signal

import (
	"context"
	"errors"

	"webbmesh/internal/protocol"
)

// ErrSignalingDown is returned when a publish is attempted after the
// transport closed. Bootstrap cannot proceed without signaling, so callers
// surface this as a match-start failure.
var ErrSignalingDown = errors.New("signaling transport closed")

// Handler receives envelopes published to the match topic.
type Handler func(env protocol.SignalEnvelope)

// Transport is the abstract signaling contract. Implementations are
// best-effort but low-loss; they are match-scoped by construction.
type Transport interface {
	// Publish sends an envelope to the match topic. An envelope with a
	// non-empty To is for a single participant; implementations may still
	// broadcast it and rely on receivers to filter.
	Publish(ctx context.Context, env protocol.SignalEnvelope) error

	// Subscribe registers a handler for inbound envelopes and returns a
	// cancel func. Handlers run on the transport's read goroutine and may
	// be invoked in arbitrary interleavings across peers.
	Subscribe(fn Handler) (cancel func())

	Close() error
}
