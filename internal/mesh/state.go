package mesh

import (
	"errors"
	"time"
)

// ErrNotAuthority is returned when a node tries to mutate state its role
// does not own. Authority is exclusive per role, which is what lets the mesh
// skip locking across nodes entirely.
var ErrNotAuthority = errors.New("node does not hold writer authority for this state")

// MemberSnapshot is one squad member's last reported position and health.
type MemberSnapshot struct {
	PlayerID  string    `msgpack:"id"`
	X         float64   `msgpack:"x"`
	Y         float64   `msgpack:"y"`
	Health    int       `msgpack:"hp"`
	Sequence  uint64    `msgpack:"seq"`
	UpdatedAt time.Time `msgpack:"at"`
}

// SquadState is the authoritative-by-delegation record for one squad. Only
// the node holding squad-anchor role for the squad mutates it; everyone else
// carries a read-only cached copy refreshed by resync snapshots.
type SquadState struct {
	SquadID   int                       `msgpack:"squad"`
	AnchorID  string                    `msgpack:"anchor"`
	Members   []string                  `msgpack:"members"`
	Snapshots map[string]MemberSnapshot `msgpack:"snapshots"`
	// Events buffers squad events not yet acknowledged by the primary.
	Events [][]byte `msgpack:"events"`
}

func newSquadState(squadID int, anchorID string, members []string) *SquadState {
	return &SquadState{
		SquadID:   squadID,
		AnchorID:  anchorID,
		Members:   append([]string(nil), members...),
		Snapshots: map[string]MemberSnapshot{},
	}
}

func (s *SquadState) clone() SquadState {
	cp := SquadState{
		SquadID:   s.SquadID,
		AnchorID:  s.AnchorID,
		Members:   append([]string(nil), s.Members...),
		Snapshots: make(map[string]MemberSnapshot, len(s.Snapshots)),
		Events:    append([][]byte(nil), s.Events...),
	}
	for k, v := range s.Snapshots {
		cp.Snapshots[k] = v
	}
	return cp
}

// MatchPhase is the coarse match lifecycle.
type MatchPhase string

const (
	PhaseLobby   MatchPhase = "lobby"
	PhasePlaying MatchPhase = "playing"
	PhaseEnded   MatchPhase = "ended"
)

// ZoneState is the shrinking safe zone's geometry.
type ZoneState struct {
	CenterX float64 `msgpack:"x"`
	CenterY float64 `msgpack:"y"`
	Radius  float64 `msgpack:"r"`
}

// Objective is one shared match objective.
type Objective struct {
	ID       string  `msgpack:"id"`
	X        float64 `msgpack:"x"`
	Y        float64 `msgpack:"y"`
	Captured bool    `msgpack:"cap"`
}

// GlobalState is the match-wide shared record. Only the primary anchor
// mutates it; squad anchors receive it whole and relay relevant subsets.
type GlobalState struct {
	Phase            MatchPhase  `msgpack:"phase"`
	ElapsedSec       int         `msgpack:"elapsed"`
	Zone             ZoneState   `msgpack:"zone"`
	Objectives       []Objective `msgpack:"objectives"`
	EliminatedSquads []int       `msgpack:"eliminated"`
}

func (g *GlobalState) clone() GlobalState {
	return GlobalState{
		Phase:            g.Phase,
		ElapsedSec:       g.ElapsedSec,
		Zone:             g.Zone,
		Objectives:       append([]Objective(nil), g.Objectives...),
		EliminatedSquads: append([]int(nil), g.EliminatedSquads...),
	}
}

// UpdateMemberSnapshot records a member's position/health. Requires squad
// anchor authority (the primary holds it for its own squad).
func (c *Coordinator) UpdateMemberSnapshot(snap MemberSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RolePlayer || c.squadState == nil {
		return ErrNotAuthority
	}
	snap.UpdatedAt = time.Now().UTC()
	c.squadState.Snapshots[snap.PlayerID] = snap
	return nil
}

// BufferSquadEvent appends an event awaiting primary acknowledgement.
// Requires squad anchor authority.
func (c *Coordinator) BufferSquadEvent(event []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RolePlayer || c.squadState == nil {
		return ErrNotAuthority
	}
	c.squadState.Events = append(c.squadState.Events, event)
	return nil
}

// UpdateGlobal applies a mutation to the match-wide record. Requires primary
// anchor authority.
func (c *Coordinator) UpdateGlobal(fn func(*GlobalState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RolePrimaryAnchor {
		return ErrNotAuthority
	}
	fn(c.globalState)
	return nil
}

// SquadSnapshot returns a copy of the squad record (authoritative on the
// anchor, cached elsewhere).
func (c *Coordinator) SquadSnapshot() (SquadState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.squadState == nil {
		return SquadState{}, false
	}
	return c.squadState.clone(), true
}

// GlobalSnapshot returns a copy of the match-wide record.
func (c *Coordinator) GlobalSnapshot() GlobalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalState.clone()
}
