// Package mesh orchestrates the Webb protocol bootstrap and steady state:
// quality test, report collection, squad assignment, anchor election, and
// the peer-link topology the local node's role requires. One Coordinator is
// constructed per match and handed to collaborators; there is no shared
// global instance.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"webbmesh/internal/election"
	"webbmesh/internal/peerlink"
	"webbmesh/internal/protocol"
	"webbmesh/internal/quality"
	"webbmesh/internal/signal"
	"webbmesh/internal/squad"
)

// ErrBootstrap marks a failure to establish the match connection. Distinct
// from mid-match peer loss, which degrades silently via promotion.
var ErrBootstrap = errors.New("could not establish match connection")

// ErrNotInMatch is returned when the local player did not fit into any squad.
var ErrNotInMatch = errors.New("local player has no squad assignment")

const (
	inboundBuffer      = 256
	collectPollEvery   = 50 * time.Millisecond
	deadlineCheckEvery = time.Second
)

// PeerLink is the slice of peerlink.Link the coordinator drives; narrowed to
// an interface so topology logic is testable without live connections.
type PeerLink interface {
	PeerID() string
	State() peerlink.State
	Offer(ctx context.Context) (protocol.SessionDesc, error)
	HandleOffer(ctx context.Context, desc protocol.SessionDesc) (protocol.SessionDesc, error)
	HandleAnswer(desc protocol.SessionDesc) error
	AddCandidate(cand protocol.Candidate) error
	SendReliable(b []byte) bool
	SendUnreliable(b []byte) bool
	Close() error
}

// LinkFactory builds one peer link. The default uses pion webrtc.
type LinkFactory func(cfg peerlink.Config, cb peerlink.Callbacks) (PeerLink, error)

// Prober runs the quality test. Narrowed for tests.
type Prober interface {
	Run(ctx context.Context, budget time.Duration) (quality.Report, error)
}

// Inbound is one message delivered to the gameplay layer, tagged with its
// origin scope. The gameplay side never needs to know the role topology.
type Inbound struct {
	Scope    protocol.Scope
	SenderID string
	Sequence uint64
	Payload  []byte
}

// Config is the per-match coordinator configuration. Plain data.
type Config struct {
	MatchID string
	LocalID string

	// Roster and Parties come from the identity/party layer.
	Roster  []string
	Parties map[string][]string

	SquadSize  int
	SquadCount int

	ProbeBudget       time.Duration
	ReportTimeout     time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ResyncInterval    time.Duration

	PendingQueueCap int
	STUNServers     []string
	ICEServers      []string
}

// Coordinator owns the mesh lifecycle for one node in one match.
type Coordinator struct {
	cfg       Config
	transport signal.Transport
	prober    Prober
	newLink   LinkFactory
	log       *logrus.Entry

	inbound chan Inbound

	mu           sync.Mutex
	reports      map[string]quality.Report
	assignment   squad.Assignment
	role         Role
	squadIndex   int
	squadMembers []string
	squadAnchor  string
	primary      string
	links        map[string]PeerLink
	dialing      map[string]time.Time
	failed       map[string]bool
	pendingCands map[string][]protocol.Candidate
	lastSeen     map[string]time.Time
	seq          uint64
	squadState   *SquadState
	globalState  *GlobalState
	unsub        func()
	closed       bool
}

// New creates a coordinator. Nothing happens until Bootstrap.
func New(cfg Config, transport signal.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		log: logrus.WithFields(logrus.Fields{
			"component": "mesh",
			"match":     cfg.MatchID,
			"local":     cfg.LocalID,
		}),
		inbound:      make(chan Inbound, inboundBuffer),
		reports:      map[string]quality.Report{},
		links:        map[string]PeerLink{},
		dialing:      map[string]time.Time{},
		failed:       map[string]bool{},
		pendingCands: map[string][]protocol.Candidate{},
		lastSeen:     map[string]time.Time{},
		globalState:  &GlobalState{Phase: PhaseLobby},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.prober == nil {
		c.prober = quality.NewProber(cfg.LocalID, cfg.STUNServers)
	}
	if c.newLink == nil {
		c.newLink = func(lc peerlink.Config, cb peerlink.Callbacks) (PeerLink, error) {
			return peerlink.New(lc, cb)
		}
	}
	return c
}

// Option customizes a coordinator at construction.
type Option func(*Coordinator)

// WithProber injects the quality prober.
func WithProber(p Prober) Option {
	return func(c *Coordinator) { c.prober = p }
}

// WithLinkFactory injects the peer-link constructor.
func WithLinkFactory(f LinkFactory) Option {
	return func(c *Coordinator) { c.newLink = f }
}

// InboundMessages returns the stream of messages for the gameplay layer.
func (c *Coordinator) InboundMessages() <-chan Inbound { return c.inbound }

// Role returns the node's current mesh role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Primary returns the current primary anchor id.
func (c *Coordinator) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// SquadAnchorID returns the current anchor for the local squad.
func (c *Coordinator) SquadAnchorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.squadAnchor
}

// Reports returns a copy of the collected quality reports.
func (c *Coordinator) Reports() []quality.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportSlice()
}

func (c *Coordinator) reportSlice() []quality.Report {
	out := make([]quality.Report, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	return out
}

// Bootstrap runs the full startup sequence: probe, publish, collect,
// assign, elect, connect. It returns once the links this node initiates are
// established or the promotion path has re-targeted them.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	report, err := c.prober.Run(ctx, c.cfg.ProbeBudget)
	if err != nil {
		return fmt.Errorf("%w: quality test: %v", ErrBootstrap, err)
	}
	c.mu.Lock()
	c.reports[c.cfg.LocalID] = report
	c.mu.Unlock()

	unsub := c.transport.Subscribe(c.handleSignal)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindQualityReport, c.cfg.LocalID, "", report)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}
	if err := c.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("%w: publish quality report: %v", ErrBootstrap, err)
	}

	if err := c.collectReports(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}

	if err := c.deriveTopology(); err != nil {
		return err
	}
	if err := c.openRequiredLinks(ctx); err != nil {
		return err
	}
	return c.awaitInitiatedLinks(ctx)
}

// collectReports waits for a report from every roster entry, substituting a
// neutral default for stragglers at the timeout so election never blocks.
func (c *Coordinator) collectReports(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.ReportTimeout)
	ticker := time.NewTicker(collectPollEvery)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		missing := make([]string, 0)
		for _, id := range c.cfg.Roster {
			if _, ok := c.reports[id]; !ok {
				missing = append(missing, id)
			}
		}
		c.mu.Unlock()

		if len(missing) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			c.mu.Lock()
			for _, id := range missing {
				c.reports[id] = quality.Neutral(id)
			}
			c.mu.Unlock()
			c.log.WithField("stragglers", missing).Warn("substituting neutral quality for missing reports")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// deriveTopology runs the pure layers: squad assignment first, then global
// election, then squad-scoped anchor selection.
func (c *Coordinator) deriveTopology() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assignment = squad.Assign(c.cfg.Roster, c.cfg.Parties, c.cfg.SquadSize, c.cfg.SquadCount)
	idx, ok := c.assignment.ByPlayer[c.cfg.LocalID]
	if !ok {
		return ErrNotInMatch
	}
	c.squadIndex = idx
	c.squadMembers = append([]string(nil), c.assignment.Squads[idx]...)

	reports := c.reportSlice()
	primary, ok := election.Primary(reports)
	if !ok {
		return fmt.Errorf("%w: no quality reports to elect from", ErrBootstrap)
	}
	c.primary = primary

	anchor, ok := election.SquadAnchor(reports, c.squadMembers)
	if !ok {
		return fmt.Errorf("%w: squad %d has no rankable members", ErrBootstrap, idx)
	}
	c.squadAnchor = anchor

	switch c.cfg.LocalID {
	case c.primary:
		c.role = RolePrimaryAnchor
		c.squadState = newSquadState(idx, c.cfg.LocalID, c.squadMembers)
	case c.squadAnchor:
		c.role = RoleSquadAnchor
		c.squadState = newSquadState(idx, c.cfg.LocalID, c.squadMembers)
	default:
		c.role = RolePlayer
	}

	c.log.WithFields(logrus.Fields{
		"role":         c.role.String(),
		"primary":      c.primary,
		"squad":        c.squadIndex,
		"squad_anchor": c.squadAnchor,
	}).Info("mesh topology derived")
	return nil
}

// openRequiredLinks dials the peers this node's role requires. Direction
// convention keeps each pair single-linked: players dial their squad anchor,
// squad anchors dial the primary, the primary only accepts.
func (c *Coordinator) openRequiredLinks(ctx context.Context) error {
	for _, target := range c.dialTargets() {
		if err := c.dial(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) dialTargets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.role {
	case RolePlayer:
		return []string{c.squadAnchor}
	case RoleSquadAnchor:
		return []string{c.primary}
	case RolePrimaryAnchor:
		return nil
	default:
		return nil
	}
}

// dial creates the link, produces an offer, and publishes it via signaling.
func (c *Coordinator) dial(ctx context.Context, peerID string) error {
	link, err := c.ensureLink(peerID)
	if err != nil {
		return fmt.Errorf("%w: link to %s: %v", ErrBootstrap, peerID, err)
	}

	offer, err := link.Offer(ctx)
	if err != nil {
		return fmt.Errorf("%w: offer to %s: %v", ErrBootstrap, peerID, err)
	}

	c.mu.Lock()
	c.dialing[peerID] = time.Now().Add(c.cfg.ConnectTimeout)
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindOffer, c.cfg.LocalID, peerID, offer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}
	if err := c.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("%w: publish offer: %v", ErrBootstrap, err)
	}
	return nil
}

// ensureLink returns the existing link for a peer or builds one, applying
// any ICE candidates that arrived before the link existed.
func (c *Coordinator) ensureLink(peerID string) (PeerLink, error) {
	c.mu.Lock()
	if link, ok := c.links[peerID]; ok {
		c.mu.Unlock()
		return link, nil
	}
	c.mu.Unlock()

	link, err := c.newLink(peerlink.Config{
		LocalID:    c.cfg.LocalID,
		PeerID:     peerID,
		ICEServers: c.cfg.ICEServers,
		PendingCap: c.cfg.PendingQueueCap,
		Log:        c.log,
	}, peerlink.Callbacks{
		OnState:     c.onLinkState,
		OnMessage:   c.onLinkMessage,
		OnCandidate: c.onLocalCandidate,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.links[peerID]; ok {
		c.mu.Unlock()
		_ = link.Close()
		return existing, nil
	}
	c.links[peerID] = link
	buffered := c.pendingCands[peerID]
	delete(c.pendingCands, peerID)
	c.mu.Unlock()

	for _, cand := range buffered {
		_ = link.AddCandidate(cand)
	}
	return link, nil
}

// awaitInitiatedLinks blocks until every link this node dialed is connected,
// treating one stuck in connecting past the window like a failure and
// feeding it to the promotion path.
func (c *Coordinator) awaitInitiatedLinks(ctx context.Context) error {
	ticker := time.NewTicker(collectPollEvery)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		waiting := 0
		expired := make([]string, 0)
		for peerID, deadline := range c.dialing {
			link, ok := c.links[peerID]
			if !ok || link.State() == peerlink.StateConnected {
				delete(c.dialing, peerID)
				continue
			}
			if link.State() == peerlink.StateFailed {
				delete(c.dialing, peerID)
				expired = append(expired, peerID)
				continue
			}
			if time.Now().After(deadline) {
				delete(c.dialing, peerID)
				expired = append(expired, peerID)
				continue
			}
			waiting++
		}
		c.mu.Unlock()

		for _, peerID := range expired {
			c.handlePeerFailure(context.Background(), peerID)
		}
		if waiting == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBootstrap, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run drives the steady-state loop: heartbeats, resync snapshots, and
// negotiation-timeout enforcement. It returns when the context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	resync := time.NewTicker(c.cfg.ResyncInterval)
	defer resync.Stop()
	check := time.NewTicker(deadlineCheckEvery)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-heartbeat.C:
			c.sendHeartbeats()
		case <-resync.C:
			c.sendResync()
		case <-check.C:
			c.enforceDialDeadlines(ctx)
			c.checkLiveness(ctx)
		}
	}
}

func (c *Coordinator) sendHeartbeats() {
	b, err := protocol.Encode(protocol.KindHeartbeat, c.cfg.LocalID, "", protocol.Heartbeat{
		SenderID: c.cfg.LocalID,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	for _, link := range c.linkSlice() {
		link.SendReliable(b)
	}
}

// sendResync pushes a compressed full-state snapshot downstream. Players
// have no authority and nothing to resync.
func (c *Coordinator) sendResync() {
	c.mu.Lock()
	role := c.role
	var squadCopy *SquadState
	if c.squadState != nil {
		cp := c.squadState.clone()
		squadCopy = &cp
	}
	globalCopy := c.globalState.clone()
	c.mu.Unlock()

	if role == RolePlayer {
		return
	}

	if squadCopy != nil {
		if b, err := c.packSnapshotEnvelope(protocol.ScopeSquad, squadCopy); err == nil {
			for _, link := range c.squadMemberLinks() {
				link.SendReliable(b)
			}
		}
	}
	if role == RolePrimaryAnchor {
		if b, err := c.packSnapshotEnvelope(protocol.ScopeGlobal, globalCopy); err == nil {
			for _, link := range c.linkSlice() {
				link.SendReliable(b)
			}
		}
	}
}

func (c *Coordinator) packSnapshotEnvelope(scope protocol.Scope, v any) ([]byte, error) {
	packed, err := protocol.PackSnapshot(v)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return encodeGameFrame(protocol.KindSnapshot, c.cfg.LocalID, protocol.GameMessage{
		Scope:    scope,
		SenderID: c.cfg.LocalID,
		Sequence: seq,
		Payload:  packed,
	})
}

// enforceDialDeadlines treats links stuck in connecting past the bounded
// window the same as failed.
func (c *Coordinator) enforceDialDeadlines(ctx context.Context) {
	c.mu.Lock()
	expired := make([]string, 0)
	for peerID, deadline := range c.dialing {
		link, ok := c.links[peerID]
		if !ok || link.State() == peerlink.StateConnected {
			delete(c.dialing, peerID)
			continue
		}
		if time.Now().After(deadline) {
			delete(c.dialing, peerID)
			expired = append(expired, peerID)
		}
	}
	c.mu.Unlock()

	for _, peerID := range expired {
		c.log.WithField("peer", peerID).Warn("link stuck in connecting, treating as failed")
		c.handlePeerFailure(ctx, peerID)
	}
}

// checkLiveness fails peers whose heartbeats stopped. The link layer catches
// hard transport failures; this catches a peer whose process hung with the
// connection still up.
func (c *Coordinator) checkLiveness(ctx context.Context) {
	stale := 3 * c.cfg.HeartbeatInterval

	c.mu.Lock()
	dead := make([]string, 0)
	for peerID, seen := range c.lastSeen {
		if _, ok := c.links[peerID]; !ok {
			continue
		}
		if time.Since(seen) > stale {
			dead = append(dead, peerID)
		}
	}
	c.mu.Unlock()

	for _, peerID := range dead {
		c.log.WithField("peer", peerID).Warn("heartbeats stopped, treating peer as lost")
		c.handlePeerFailure(ctx, peerID)
	}
}

// Close tears down every link and leaves the signaling topic.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	links := make([]PeerLink, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.links = map[string]PeerLink{}
	unsub := c.unsub
	close(c.inbound)
	c.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	if unsub != nil {
		unsub()
	}
	_ = c.transport.Close()
}

func (c *Coordinator) linkSlice() []PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerLink, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	return out
}

func (c *Coordinator) squadMemberLinks() []PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerLink, 0, len(c.squadMembers))
	for _, id := range c.squadMembers {
		if id == c.cfg.LocalID {
			continue
		}
		if l, ok := c.links[id]; ok {
			out = append(out, l)
		}
	}
	return out
}
