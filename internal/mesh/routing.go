package mesh

import (
	"fmt"
	"time"

	"webbmesh/internal/peerlink"
	"webbmesh/internal/protocol"
)

// SendEvent publishes a one-shot event on the reliable path. Squad scope
// reaches the local squad, global scope reaches the whole match via the
// anchor chain.
func (c *Coordinator) SendEvent(scope protocol.Scope, payload []byte) error {
	return c.send(scope, payload, true)
}

// SendState publishes high-frequency state on the lossy path. Dropped frames
// are expected; the next tick supersedes them.
func (c *Coordinator) SendState(scope protocol.Scope, payload []byte) error {
	return c.send(scope, payload, false)
}

func (c *Coordinator) send(scope protocol.Scope, payload []byte, reliable bool) error {
	c.mu.Lock()
	c.seq++
	msg := protocol.GameMessage{
		Scope:    scope,
		SenderID: c.cfg.LocalID,
		Sequence: c.seq,
		Payload:  payload,
	}
	role := c.role
	c.mu.Unlock()

	b, err := encodeGameFrame(kindFor(reliable), c.cfg.LocalID, msg)
	if err != nil {
		return err
	}

	switch role {
	case RolePlayer:
		// Everything funnels through the squad anchor.
		c.sendToAnchor(b, reliable)
	case RoleSquadAnchor:
		c.fanToSquad(b, reliable, "")
		if scope == protocol.ScopeGlobal {
			c.sendToPrimary(b, reliable)
		}
	case RolePrimaryAnchor:
		if scope == protocol.ScopeGlobal {
			c.fanToAll(b, reliable, "")
		} else {
			c.fanToSquad(b, reliable, "")
		}
	default:
		return fmt.Errorf("mesh: send before bootstrap")
	}
	return nil
}

func (c *Coordinator) sendToAnchor(b []byte, reliable bool) {
	c.mu.Lock()
	link, ok := c.links[c.squadAnchor]
	c.mu.Unlock()
	if ok {
		linkSend(link, b, reliable)
	}
}

func (c *Coordinator) sendToPrimary(b []byte, reliable bool) {
	c.mu.Lock()
	link, ok := c.links[c.primary]
	c.mu.Unlock()
	if ok {
		linkSend(link, b, reliable)
	}
}

func (c *Coordinator) fanToSquad(b []byte, reliable bool, except string) {
	for _, link := range c.squadMemberLinks() {
		if link.PeerID() == except {
			continue
		}
		linkSend(link, b, reliable)
	}
}

// fanToAll sends over every link except the named one. On the primary that
// is every squad anchor plus its own squad members.
func (c *Coordinator) fanToAll(b []byte, reliable bool, except string) {
	for _, link := range c.linkSlice() {
		if link.PeerID() == except {
			continue
		}
		linkSend(link, b, reliable)
	}
}

func linkSend(link PeerLink, b []byte, reliable bool) {
	if reliable {
		link.SendReliable(b)
	} else {
		link.SendUnreliable(b)
	}
}

// encodeGameFrame builds a link frame: a validated game message wrapped in
// the envelope that lets the receiver switch on kind.
func encodeGameFrame(kind protocol.Kind, from string, msg protocol.GameMessage) ([]byte, error) {
	payload, err := protocol.EncodeGame(msg)
	if err != nil {
		return nil, err
	}
	return protocol.MarshalEnvelope(protocol.SignalEnvelope{
		Kind:    kind,
		From:    from,
		Payload: payload,
	})
}

// onLinkMessage decodes a frame from a data channel and routes it. Anchors
// relay before delivering locally so a slow consumer never stalls the relay.
func (c *Coordinator) onLinkMessage(peerID string, _ peerlink.ChannelKind, payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		c.log.WithError(err).WithField("peer", peerID).Warn("bad link frame")
		return
	}

	switch env.Kind {
	case protocol.KindHeartbeat:
		c.mu.Lock()
		c.lastSeen[peerID] = time.Now()
		c.mu.Unlock()
	case protocol.KindState, protocol.KindEvent:
		msg, err := protocol.DecodeGame(env.Payload)
		if err != nil {
			c.log.WithError(err).WithField("peer", peerID).Warn("bad game message")
			return
		}
		c.relay(peerID, env.Kind == protocol.KindEvent, msg)
		c.deliver(msg)
	case protocol.KindSnapshot:
		msg, err := protocol.DecodeGame(env.Payload)
		if err != nil {
			c.log.WithError(err).WithField("peer", peerID).Warn("bad snapshot")
			return
		}
		c.applySnapshot(peerID, msg)
	default:
		c.log.WithField("kind", env.Kind.String()).Debug("unexpected kind on link, dropping")
	}
}

// relay forwards a received game message along the anchor chain according to
// the local role and the message scope.
func (c *Coordinator) relay(from string, reliable bool, msg protocol.GameMessage) {
	c.mu.Lock()
	role := c.role
	primary := c.primary
	c.mu.Unlock()

	if role == RolePlayer {
		return
	}

	b, err := encodeGameFrame(kindFor(reliable), msg.SenderID, msg)
	if err != nil {
		return
	}

	switch role {
	case RoleSquadAnchor:
		switch msg.Scope {
		case protocol.ScopeSquad:
			c.fanToSquad(b, reliable, from)
		case protocol.ScopeGlobal:
			if from == primary {
				// Downstream from the primary: fan out to the squad.
				c.fanToSquad(b, reliable, from)
			} else {
				// Upstream from a member: squad hears it, primary decides.
				c.fanToSquad(b, reliable, from)
				c.sendToPrimary(b, reliable)
			}
		}
	case RolePrimaryAnchor:
		switch msg.Scope {
		case protocol.ScopeSquad:
			c.fanToSquad(b, reliable, from)
		case protocol.ScopeGlobal:
			c.fanToAll(b, reliable, from)
		}
	}
}

func kindFor(reliable bool) protocol.Kind {
	if reliable {
		return protocol.KindEvent
	}
	return protocol.KindState
}

// deliver hands a message to the gameplay layer without blocking the
// transport callback. A full inbound buffer drops the frame.
func (c *Coordinator) deliver(msg protocol.GameMessage) {
	in := Inbound{
		Scope:    msg.Scope,
		SenderID: msg.SenderID,
		Sequence: msg.Sequence,
		Payload:  msg.Payload,
	}

	// Held across the send so Close cannot close the channel mid-delivery.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbound <- in:
	default:
		c.log.WithField("sender", msg.SenderID).Warn("inbound buffer full, dropping message")
	}
}

// applySnapshot replaces the cached authoritative state with a resync
// snapshot from upstream.
func (c *Coordinator) applySnapshot(from string, msg protocol.GameMessage) {
	switch msg.Scope {
	case protocol.ScopeSquad:
		var snap SquadState
		if err := protocol.UnpackSnapshot(msg.Payload, &snap); err != nil {
			c.log.WithError(err).Warn("bad squad snapshot")
			return
		}
		c.mu.Lock()
		trusted := c.role == RolePlayer && from == c.squadAnchor
		if trusted {
			c.squadState = &snap
		}
		c.mu.Unlock()
		if !trusted {
			c.log.WithField("peer", from).Warn("dropping squad snapshot from non-authoritative peer")
			return
		}
	case protocol.ScopeGlobal:
		var snap GlobalState
		if err := protocol.UnpackSnapshot(msg.Payload, &snap); err != nil {
			c.log.WithError(err).Warn("bad global snapshot")
			return
		}
		// Global state flows down the delegation chain only: anchors take
		// it from the primary, players from their anchor's relay.
		c.mu.Lock()
		role := c.role
		trusted := (role == RoleSquadAnchor && from == c.primary) ||
			(role == RolePlayer && from == c.squadAnchor)
		if trusted {
			c.globalState = &snap
		}
		c.mu.Unlock()
		if !trusted {
			c.log.WithField("peer", from).Warn("dropping global snapshot from non-authoritative peer")
			return
		}
		if role == RoleSquadAnchor {
			if b, err := encodeGameFrame(protocol.KindSnapshot, msg.SenderID, msg); err == nil {
				c.fanToSquad(b, true, from)
			}
		}
	}
	c.deliver(msg)
}
