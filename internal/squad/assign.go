// Package squad partitions a match roster into fixed-size squads, keeping
// pre-formed parties together before filling with solo players.
package squad

import "sort"

// Assignment is the result of packing a roster into squads.
//
// Unassigned lists players that did not fit: members of a party larger than
// the squad size, or roster overflow once every squad is full. They are
// surfaced for the caller to handle, never silently dropped.
type Assignment struct {
	Squads     [][]string
	ByPlayer   map[string]int
	Unassigned []string
}

// Assign packs players into squadCount squads of squadSize. Deterministic
// two-pass: parties first in sorted party-id order, placed consecutively so a
// party is never split across squads unless it is larger than squadSize; then
// remaining solo players in roster order into any squad under capacity.
func Assign(playerIDs []string, parties map[string][]string, squadSize, squadCount int) Assignment {
	a := Assignment{
		Squads:   make([][]string, squadCount),
		ByPlayer: make(map[string]int, len(playerIDs)),
	}
	if squadSize <= 0 || squadCount <= 0 {
		a.Unassigned = append(a.Unassigned, playerIDs...)
		return a
	}

	roster := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		roster[id] = true
	}

	partyIDs := make([]string, 0, len(parties))
	for pid := range parties {
		partyIDs = append(partyIDs, pid)
	}
	sort.Strings(partyIDs)

	cur := 0
	overflowed := make(map[string]bool)
	unassign := func(id string) {
		if !overflowed[id] {
			overflowed[id] = true
			a.Unassigned = append(a.Unassigned, id)
		}
	}
	place := func(id string) bool {
		if cur >= squadCount || len(a.Squads[cur]) >= squadSize {
			return false
		}
		a.Squads[cur] = append(a.Squads[cur], id)
		a.ByPlayer[id] = cur
		if len(a.Squads[cur]) == squadSize {
			cur++
		}
		return true
	}

	for _, pid := range partyIDs {
		members := make([]string, 0, len(parties[pid]))
		for _, id := range parties[pid] {
			if roster[id] {
				if _, dup := a.ByPlayer[id]; !dup {
					members = append(members, id)
				}
			}
		}
		if len(members) == 0 {
			continue
		}

		if len(members) > squadSize {
			// Oversized party: fill the current squad only and surface
			// the remainder rather than splitting across squads.
			for _, id := range members {
				if cur < squadCount && len(a.Squads[cur]) < squadSize {
					a.Squads[cur] = append(a.Squads[cur], id)
					a.ByPlayer[id] = cur
				} else {
					unassign(id)
				}
			}
			if cur < squadCount && len(a.Squads[cur]) == squadSize {
				cur++
			}
			continue
		}

		// Advance when the whole party cannot fit in the current squad.
		if cur < squadCount && len(a.Squads[cur])+len(members) > squadSize {
			cur++
		}
		for _, id := range members {
			if !place(id) {
				unassign(id)
			}
		}
	}

	// Second pass: solo players fill any squad still under capacity.
	// Players already surfaced as overflow in pass 1 stay unassigned.
	for _, id := range playerIDs {
		if _, done := a.ByPlayer[id]; done || overflowed[id] {
			continue
		}
		if !placeAnywhere(&a, id, squadSize) {
			unassign(id)
		}
	}
	return a
}

func placeAnywhere(a *Assignment, id string, squadSize int) bool {
	for i := range a.Squads {
		if len(a.Squads[i]) < squadSize {
			a.Squads[i] = append(a.Squads[i], id)
			a.ByPlayer[id] = i
			return true
		}
	}
	return false
}
