// Package election ranks peers by measured connection quality and assigns
// relay authority. Every function is pure: any node holding the same report
// set derives the same result, so no vote is ever needed.
package election

import (
	"sort"

	"webbmesh/internal/quality"
)

// Rank returns the reports sorted by score descending, ties broken by peer id
// ascending for determinism. The input slice is not modified.
func Rank(reports []quality.Report) []quality.Report {
	ranked := append([]quality.Report(nil), reports...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].PeerID < ranked[j].PeerID
	})
	return ranked
}

// Anchors returns the ids of the top n peers. With fewer reports than
// requested anchors it returns whatever subset exists; it never blocks or
// fails on a short report set.
func Anchors(reports []quality.Report, n int) []string {
	if n <= 0 {
		return nil
	}
	ranked := Rank(reports)
	if n > len(ranked) {
		n = len(ranked)
	}
	ids := make([]string, 0, n)
	for _, r := range ranked[:n] {
		ids = append(ids, r.PeerID)
	}
	return ids
}

// Primary returns the single highest-ranked peer overall.
func Primary(reports []quality.Report) (string, bool) {
	ids := Anchors(reports, 1)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// SquadAnchor re-ranks the same report set scoped to one squad's members and
// returns the best member.
func SquadAnchor(reports []quality.Report, members []string) (string, bool) {
	return NextCandidate(reports, members, nil)
}

// NextCandidate returns the best-ranked member not in excluded. It is the
// promotion primitive: after an anchor loss every surviving member calls this
// with the same bootstrap reports and the same failed set, and all of them
// converge on the same replacement.
func NextCandidate(reports []quality.Report, members []string, excluded map[string]bool) (string, bool) {
	inSquad := make(map[string]bool, len(members))
	for _, id := range members {
		inSquad[id] = true
	}
	for _, r := range Rank(reports) {
		if !inSquad[r.PeerID] || excluded[r.PeerID] {
			continue
		}
		return r.PeerID, true
	}
	return "", false
}
