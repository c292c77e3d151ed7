package mesh

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"webbmesh/internal/election"
	"webbmesh/internal/peerlink"
)

// onLinkState reacts to transport-level state changes. Connection starts the
// liveness clock; failure drives promotion.
func (c *Coordinator) onLinkState(peerID string, s peerlink.State) {
	switch s {
	case peerlink.StateConnected:
		c.mu.Lock()
		c.lastSeen[peerID] = time.Now()
		c.mu.Unlock()
	case peerlink.StateFailed:
		c.handlePeerFailure(context.Background(), peerID)
	}
}

// handlePeerFailure drops the dead link and, when the peer held a relay
// role, promotes a replacement. Promotion never votes: every survivor runs
// the same ranking over the same bootstrap reports with the same failed set
// and converges on the same choice.
func (c *Coordinator) handlePeerFailure(ctx context.Context, peerID string) {
	c.mu.Lock()
	if c.closed || c.failed[peerID] {
		c.mu.Unlock()
		return
	}
	c.failed[peerID] = true
	link, hadLink := c.links[peerID]
	delete(c.links, peerID)
	delete(c.dialing, peerID)
	delete(c.lastSeen, peerID)

	wasPrimary := peerID == c.primary
	wasSquadAnchor := peerID == c.squadAnchor
	c.mu.Unlock()

	if hadLink {
		_ = link.Close()
	}
	c.log.WithFields(logrus.Fields{
		"peer":             peerID,
		"was_primary":      wasPrimary,
		"was_squad_anchor": wasSquadAnchor,
	}).Warn("peer lost")

	// Order matters when one node held both roles: the squad picks its new
	// anchor first so the survivor who wins it can then chase the primary.
	if wasSquadAnchor {
		c.promoteSquadAnchor(ctx)
	}
	if wasPrimary {
		c.promotePrimary(ctx)
	}
}

// promoteSquadAnchor reruns the squad-scoped election without the failed
// members and rewires the local links to match.
func (c *Coordinator) promoteSquadAnchor(ctx context.Context) {
	c.mu.Lock()
	reports := c.reportSlice()
	members := append([]string(nil), c.squadMembers...)
	excluded := copyFailed(c.failed)
	c.mu.Unlock()

	next, ok := election.NextCandidate(reports, members, excluded)
	if !ok {
		c.log.Error("squad has no surviving anchor candidate")
		return
	}

	c.mu.Lock()
	c.squadAnchor = next
	becameAnchor := next == c.cfg.LocalID && c.role == RolePlayer
	if becameAnchor {
		c.role = RoleSquadAnchor
		if c.squadState == nil {
			c.squadState = newSquadState(c.squadIndex, c.cfg.LocalID, members)
		} else {
			c.squadState.AnchorID = c.cfg.LocalID
		}
	}
	role := c.role
	primary := c.primary
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"anchor": next, "role": role.String()}).
		Info("squad anchor promoted")

	switch {
	case becameAnchor:
		// The new anchor opens the upstream leg; members dial in per the
		// direction convention.
		if primary != c.cfg.LocalID {
			c.redial(ctx, primary)
		}
	case role == RolePlayer:
		c.redial(ctx, next)
	}
}

// promotePrimary reruns the global election without the failed peers. Only
// anchor-rank nodes hold a link to the primary, so only they rewire; players
// learn the new primary lazily through squad relays.
func (c *Coordinator) promotePrimary(ctx context.Context) {
	c.mu.Lock()
	reports := c.reportSlice()
	excluded := copyFailed(c.failed)
	c.mu.Unlock()

	next, ok := election.NextCandidate(reports, c.cfg.Roster, excluded)
	if !ok {
		c.log.Error("no surviving primary candidate")
		return
	}

	c.mu.Lock()
	c.primary = next
	becamePrimary := next == c.cfg.LocalID && c.role != RolePrimaryAnchor
	if becamePrimary {
		c.role = RolePrimaryAnchor
		if c.squadState == nil {
			c.squadState = newSquadState(c.squadIndex, c.cfg.LocalID, c.squadMembers)
		}
	}
	role := c.role
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"primary": next, "role": role.String()}).
		Info("primary anchor promoted")

	if !becamePrimary && role == RoleSquadAnchor && next != c.cfg.LocalID {
		c.redial(ctx, next)
	}
}

// redial opens a fresh link toward a promotion target, replacing whatever
// the previous topology used. Failures here feed back into the same
// promotion path through the link state callback.
func (c *Coordinator) redial(ctx context.Context, peerID string) {
	c.mu.Lock()
	_, exists := c.links[peerID]
	dead := c.failed[peerID]
	c.mu.Unlock()
	if exists || dead {
		return
	}

	if err := c.dial(ctx, peerID); err != nil {
		c.log.WithError(err).WithField("peer", peerID).Error("redial after promotion")
	}
}

func copyFailed(failed map[string]bool) map[string]bool {
	out := make(map[string]bool, len(failed))
	for id, v := range failed {
		if v {
			out[id] = true
		}
	}
	return out
}
