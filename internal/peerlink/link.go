// Package peerlink owns the lifecycle of one direct connection to one remote
// peer: negotiation, dual data channels, and message dispatch. Retry policy
// deliberately lives one layer up in the mesh coordinator; a failed link
// stays failed.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"webbmesh/internal/protocol"
)

const (
	labelUnreliable = "state"
	labelReliable   = "events"
)

// ErrLinkClosed is returned for operations on a link past teardown.
var ErrLinkClosed = errors.New("peer link closed")

// Config describes one link.
type Config struct {
	LocalID    string
	PeerID     string
	ICEServers []string
	PendingCap int
	Log        *logrus.Entry
}

// Callbacks are invoked asynchronously by the underlying transport; the
// owner must tolerate arbitrary interleavings across links.
type Callbacks struct {
	// OnState reports every state transition.
	OnState func(peerID string, s State)
	// OnMessage delivers an inbound payload from either channel.
	OnMessage func(peerID string, kind ChannelKind, payload []byte)
	// OnCandidate surfaces a local ICE candidate for the signaling
	// transport; the link cannot carry it itself mid-negotiation.
	OnCandidate func(peerID string, cand protocol.Candidate)
}

// dataChannel is the send surface of a webrtc data channel; split out so the
// queue/flush logic is testable without a live connection.
type dataChannel interface {
	Send([]byte) error
	ReadyState() webrtc.DataChannelState
}

// Link is a single bidirectional connection to one remote peer. It is owned
// exclusively by the coordinator that created it and does not outlive the
// match.
type Link struct {
	cfg Config
	cb  Callbacks
	log *logrus.Entry

	pending *pendingQueue

	mu         sync.Mutex
	state      State
	pc         *webrtc.PeerConnection
	reliable   dataChannel
	unreliable dataChannel
	closing    bool
}

// Stats is a point-in-time view of the link's queue health.
type Stats struct {
	State       State
	QueuedCount int
	DroppedOld  uint64
}

// New creates a link in the disconnected state. No network activity happens
// until Offer or HandleOffer.
func New(cfg Config, cb Callbacks) (*Link, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("peerlink: missing peer id")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "peerlink")
	}
	log = log.WithField("peer", cfg.PeerID)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("peerlink: new peer connection: %w", err)
	}

	l := &Link{
		cfg:     cfg,
		cb:      cb,
		log:     log,
		pending: newPendingQueue(cfg.PendingCap),
		state:   StateDisconnected,
		pc:      pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || l.cb.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		l.cb.OnCandidate(l.cfg.PeerID, protocol.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnConnectionStateChange(l.handleConnectionState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		// Answering side: channels are created by the offerer.
		switch dc.Label() {
		case labelReliable:
			l.attachReliable(dc)
		case labelUnreliable:
			l.attachUnreliable(dc)
		default:
			l.log.WithField("label", dc.Label()).Warn("unexpected data channel")
		}
	})
	return l, nil
}

// PeerID returns the remote peer's id.
func (l *Link) PeerID() string { return l.cfg.PeerID }

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats reports queue depth and overflow drops.
func (l *Link) Stats() Stats {
	return Stats{
		State:       l.State(),
		QueuedCount: l.pending.size(),
		DroppedOld:  l.pending.droppedCount(),
	}
}

// Offer starts negotiation from the initiating side: creates both data
// channels, produces the SDP offer, and moves the link to connecting.
// Candidates trickle through the OnCandidate callback as they gather.
func (l *Link) Offer(ctx context.Context) (protocol.SessionDesc, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDesc{}, err
	}

	ordered := true
	unordered := false
	var zeroRetransmits uint16

	reliable, err := l.pc.CreateDataChannel(labelReliable, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: create reliable channel: %w", err)
	}
	l.attachReliable(reliable)

	unreliable, err := l.pc.CreateDataChannel(labelUnreliable, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &zeroRetransmits,
	})
	if err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: create unreliable channel: %w", err)
	}
	l.attachUnreliable(unreliable)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: set local description: %w", err)
	}

	l.transition(StateConnecting)
	return protocol.SessionDesc{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// HandleOffer answers an inbound offer and moves the link to connecting.
func (l *Link) HandleOffer(ctx context.Context, desc protocol.SessionDesc) (protocol.SessionDesc, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDesc{}, err
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  desc.SDP,
	}); err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: set remote offer: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDesc{}, fmt.Errorf("peerlink: set local description: %w", err)
	}

	l.transition(StateConnecting)
	return protocol.SessionDesc{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// HandleAnswer completes negotiation on the initiating side.
func (l *Link) HandleAnswer(desc protocol.SessionDesc) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  desc.SDP,
	}); err != nil {
		return fmt.Errorf("peerlink: set remote answer: %w", err)
	}
	return nil
}

// AddCandidate applies a remote ICE candidate received via signaling.
func (l *Link) AddCandidate(cand protocol.Candidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

// SendUnreliable is best-effort: the message is dropped, not queued, when the
// channel is not open. Callers must treat this path as lossy by design.
func (l *Link) SendUnreliable(b []byte) bool {
	l.mu.Lock()
	dc := l.unreliable
	open := l.state == StateConnected && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
	l.mu.Unlock()

	if !open {
		return false
	}
	return dc.Send(b) == nil
}

// SendReliable sends immediately when the channel is open; otherwise the
// message joins the bounded pending queue and false is returned. Queued
// messages flush in FIFO order the moment the channel opens, and any message
// queued while the channel was open (send error, flush race) is flushed
// ahead of the next send so call order is preserved.
func (l *Link) SendReliable(b []byte) bool {
	l.mu.Lock()
	dc := l.reliable
	open := l.state == StateConnected && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
	l.mu.Unlock()

	if open {
		if l.pending.size() > 0 {
			l.flushPending(dc)
		}
		// Send directly only when nothing is queued ahead of this message.
		if l.pending.size() == 0 {
			if err := dc.Send(b); err == nil {
				return true
			}
		}
	}
	if l.pending.push(b) {
		l.log.WithField("dropped_total", l.pending.droppedCount()).
			Warn("reliable queue overflow, oldest message dropped")
	}
	return false
}

// Close tears the link down cleanly.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	l.mu.Unlock()

	l.transition(StateDisconnected)
	if l.pc != nil {
		return l.pc.Close()
	}
	return nil
}

func (l *Link) attachReliable(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.reliable = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.flushPending(dc)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.cb.OnMessage != nil {
			l.cb.OnMessage(l.cfg.PeerID, ChannelReliable, msg.Data)
		}
	})
}

func (l *Link) attachUnreliable(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.unreliable = dc
	l.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.cb.OnMessage != nil {
			l.cb.OnMessage(l.cfg.PeerID, ChannelUnreliable, msg.Data)
		}
	})
}

// flushPending drains the queue in original order. A send error puts the
// unsent remainder back at the head of the queue for the next attempt.
func (l *Link) flushPending(dc dataChannel) {
	queued := l.pending.drain()
	for i, b := range queued {
		if err := dc.Send(b); err != nil {
			l.pending.requeueFront(queued[i:])
			l.log.WithError(err).Warn("pending flush interrupted")
			return
		}
	}
	if len(queued) > 0 {
		l.log.WithField("count", len(queued)).Debug("flushed pending reliable messages")
	}
}

func (l *Link) handleConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.transition(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		l.transition(StateFailed)
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		l.mu.Lock()
		closing := l.closing
		l.mu.Unlock()
		if closing {
			l.transition(StateDisconnected)
		} else {
			// An unexpected teardown is a failure for promotion purposes.
			l.transition(StateFailed)
		}
	}
}

// transition applies a state change if the state machine allows it and
// notifies the owner. Invalid transitions are ignored, which makes duplicate
// transport callbacks harmless.
func (l *Link) transition(to State) {
	l.mu.Lock()
	from := l.state
	if from == to || !validTransition(from, to) {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("link state")
	if l.cb.OnState != nil {
		l.cb.OnState(l.cfg.PeerID, to)
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
