package mesh

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"webbmesh/internal/protocol"
	"webbmesh/internal/quality"
)

// handleSignal processes one envelope from the signaling topic. The transport
// already filters addressed messages, but kinds are re-checked here because
// the topic is shared with every participant.
func (c *Coordinator) handleSignal(env protocol.SignalEnvelope) {
	if env.From == c.cfg.LocalID {
		return
	}

	switch env.Kind {
	case protocol.KindQualityReport:
		c.handleQualityReport(env)
	case protocol.KindOffer:
		c.handleOffer(env)
	case protocol.KindAnswer:
		c.handleAnswer(env)
	case protocol.KindCandidate:
		c.handleCandidate(env)
	default:
		c.log.WithFields(logrus.Fields{"kind": env.Kind.String(), "from": env.From}).
			Debug("ignoring signal kind")
	}
}

func (c *Coordinator) handleQualityReport(env protocol.SignalEnvelope) {
	report, err := protocol.DecodePayload[quality.Report](env)
	if err != nil {
		c.log.WithError(err).WithField("from", env.From).Warn("bad quality report")
		return
	}
	if report.PeerID != env.From {
		c.log.WithField("from", env.From).Warn("quality report sender mismatch")
		return
	}
	if !c.inRoster(env.From) {
		return
	}
	c.mu.Lock()
	if _, ok := c.reports[env.From]; !ok {
		c.reports[env.From] = report
	}
	c.mu.Unlock()
}

// handleOffer answers an inbound negotiation. The accepting side never checks
// the dial convention; the initiating side already enforced it.
func (c *Coordinator) handleOffer(env protocol.SignalEnvelope) {
	if env.To != c.cfg.LocalID || !c.inRoster(env.From) {
		return
	}
	desc, err := protocol.DecodePayload[protocol.SessionDesc](env)
	if err != nil {
		c.log.WithError(err).WithField("from", env.From).Warn("bad offer")
		return
	}

	link, err := c.ensureLink(env.From)
	if err != nil {
		c.log.WithError(err).WithField("from", env.From).Error("link for inbound offer")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	answer, err := link.HandleOffer(ctx, desc)
	if err != nil {
		c.log.WithError(err).WithField("from", env.From).Error("answer offer")
		return
	}

	out, err := protocol.NewEnvelope(protocol.KindAnswer, c.cfg.LocalID, env.From, answer)
	if err != nil {
		return
	}
	if err := c.transport.Publish(ctx, out); err != nil {
		c.log.WithError(err).Warn("publish answer")
	}
}

func (c *Coordinator) handleAnswer(env protocol.SignalEnvelope) {
	if env.To != c.cfg.LocalID {
		return
	}
	desc, err := protocol.DecodePayload[protocol.SessionDesc](env)
	if err != nil {
		c.log.WithError(err).WithField("from", env.From).Warn("bad answer")
		return
	}

	c.mu.Lock()
	link, ok := c.links[env.From]
	c.mu.Unlock()
	if !ok {
		c.log.WithField("from", env.From).Warn("answer for unknown link")
		return
	}
	if err := link.HandleAnswer(desc); err != nil {
		c.log.WithError(err).WithField("from", env.From).Error("apply answer")
	}
}

// handleCandidate applies a trickled ICE candidate, buffering it when the
// candidate arrives ahead of the offer that creates the link.
func (c *Coordinator) handleCandidate(env protocol.SignalEnvelope) {
	if env.To != c.cfg.LocalID {
		return
	}
	cand, err := protocol.DecodePayload[protocol.Candidate](env)
	if err != nil {
		c.log.WithError(err).WithField("from", env.From).Warn("bad candidate")
		return
	}

	c.mu.Lock()
	link, ok := c.links[env.From]
	if !ok {
		c.pendingCands[env.From] = append(c.pendingCands[env.From], cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := link.AddCandidate(cand); err != nil {
		c.log.WithError(err).WithField("from", env.From).Warn("apply candidate")
	}
}

// onLocalCandidate carries a locally gathered ICE candidate to the remote
// side over signaling.
func (c *Coordinator) onLocalCandidate(peerID string, cand protocol.Candidate) {
	env, err := protocol.NewEnvelope(protocol.KindCandidate, c.cfg.LocalID, peerID, cand)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.transport.Publish(ctx, env); err != nil {
		c.log.WithError(err).WithField("peer", peerID).Warn("publish candidate")
	}
}

func (c *Coordinator) inRoster(id string) bool {
	for _, r := range c.cfg.Roster {
		if r == id {
			return true
		}
	}
	return false
}
