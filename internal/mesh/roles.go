package mesh

// Role is a node's place in the relay hierarchy for one match. Exactly one
// primary anchor exists per match and one squad anchor per squad; the
// primary doubles as its own squad's anchor since it ranked best globally.
type Role int

const (
	RolePlayer Role = iota
	RoleSquadAnchor
	RolePrimaryAnchor
)

func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleSquadAnchor:
		return "squad_anchor"
	case RolePrimaryAnchor:
		return "primary_anchor"
	default:
		return "unknown"
	}
}
