// Package planner implements the Step planner component from spec.md §4.5
// -- the heart of the system. Given filtered source snapshots with
// identities (GUIDs), filtered destination snapshots with identities, and
// available bookmarks, it produces the minimal ordered list of send steps
// that yields a destination whose filtered snapshot set equals the
// filtered source snapshot set.
package planner

import (
	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

// Kind is a SendStep's transfer kind (spec.md §3 "SendStep").
type Kind int

const (
	FULL Kind = iota
	INCREMENTAL_INCLUSIVE
	INCREMENTAL_EXCLUSIVE
)

func (k Kind) String() string {
	switch k {
	case FULL:
		return "FULL"
	case INCREMENTAL_INCLUSIVE:
		return "INCREMENTAL_INCLUSIVE"
	case INCREMENTAL_EXCLUSIVE:
		return "INCREMENTAL_EXCLUSIVE"
	default:
		return "Kind(?)"
	}
}

// Mark is either a Snapshot or a Bookmark (spec.md §3).
type Mark struct {
	GUID       uint64
	Tag        string
	IsBookmark bool
}

// SendStep is one transfer in a Plan (spec.md §3). For FULL, From is the
// zero Mark and To is the first source snapshot to send. For incremental
// steps, From is a source Mark and To a source Snapshot. Through lists
// every source snapshot strictly between From and To plus To itself, for
// INCREMENTAL_INCLUSIVE steps only (used by tests to check that the
// destination ends up with exactly the expected GUIDs; the driver does not
// read it).
type SendStep struct {
	Kind    Kind
	From    Mark
	To      catalog.Snapshot
	Through []catalog.Snapshot
}

// Plan is the ordered list of SendSteps the planner produced for one
// dataset pair (spec.md §3). Pre-step actions such as destination rollback
// are decided and attached by the Replication driver, not the planner.
type Plan struct {
	Steps []SendStep
}

// ForceConvertInclusiveToExclusive forbids the INCREMENTAL_INCLUSIVE form
// even when it would otherwise be available, per spec.md §4.5. Used when
// intermediate snapshots would be materialised that must not appear on the
// destination.
type Policy struct {
	ForceConvertInclusiveToExclusive bool
}

// Compute computes the minimal ordered SendStep list per spec.md §4.5.
//
//	S: ordered source snapshots with GUIDs, creation order preserved
//	included: the snapshot filter predicate over source snapshot tags (I ⊆ S)
//	B: source bookmarks with GUIDs
//	D: ordered destination snapshots with GUIDs
func Compute(S []catalog.Snapshot, included func(tag string) bool, B []catalog.Bookmark, D []catalog.Snapshot, policy Policy) (Plan, error) {
	destGUIDs := make(map[uint64]struct{}, len(D))
	for _, d := range D {
		destGUIDs[d.GUID] = struct{}{}
	}

	incl := make([]bool, len(S))
	anyIncluded := false
	for i, s := range S {
		incl[i] = included(s.Tag)
		anyIncluded = anyIncluded || incl[i]
	}

	if !anyIncluded {
		// Empty I: per spec.md §4.5, both empty-I cases yield an empty plan.
		// Deletion, if any, is the reconciler's problem.
		return Plan{}, nil
	}

	anchor, anchorIndex, err := findCommonMark(S, B, D, destGUIDs)
	if err != nil {
		return Plan{}, err
	}

	var steps []SendStep
	startIndex := anchorIndex + 1

	if anchorIndex == noCommonMark && anchor.GUID == 0 && !anchor.IsBookmark {
		// No common mark at all, and D is empty (findCommonMark already
		// returned a DivergenceConflict otherwise): begin with a FULL send of
		// the first included snapshot.
		first := firstIncludedIndex(incl)
		steps = append(steps, SendStep{Kind: FULL, To: S[first]})
		anchor = Mark{GUID: S[first].GUID, Tag: S[first].Tag}
		startIndex = first + 1
	}

	firstRunEmitted := false
	i := startIndex
	for i < len(S) {
		if !incl[i] {
			i++
			continue
		}
		j := i
		for j+1 < len(S) && incl[j+1] {
			j++
		}

		gapBefore := i > startIndex
		bookmarkForcesExclusive := !firstRunEmitted && anchor.IsBookmark
		useExclusive := policy.ForceConvertInclusiveToExclusive || gapBefore || bookmarkForcesExclusive

		if useExclusive {
			for k := i; k <= j; k++ {
				steps = append(steps, SendStep{
					Kind: INCREMENTAL_EXCLUSIVE,
					From: anchor,
					To:   S[k],
				})
				anchor = Mark{GUID: S[k].GUID, Tag: S[k].Tag}
			}
		} else {
			steps = append(steps, SendStep{
				Kind:    INCREMENTAL_INCLUSIVE,
				From:    anchor,
				To:      S[j],
				Through: append([]catalog.Snapshot{}, S[i:j+1]...),
			})
			anchor = Mark{GUID: S[j].GUID, Tag: S[j].Tag}
		}
		firstRunEmitted = true
		i = j + 1
	}

	return Plan{Steps: steps}, nil
}

const noCommonMark = -2

// findCommonMark locates the most recent Mark (snapshot preferred over
// bookmark) whose GUID is present on the destination, per spec.md §4.5
// step 1, then checks the divergence condition from spec.md §4.6 step 3:
// the destination's actual latest snapshot (D's last entry) must itself be
// reachable from the source, i.e. its GUID must appear in S ∪ B. A common
// mark earlier in D's history is not sufficient -- the destination may have
// gained snapshots of its own since then.
//
// It returns the Mark and its position in S (or noCommonMark/-1 per the
// cases below):
//
//   - a snapshot match: (mark, index-in-S >= 0, ...)
//   - a bookmark match whose GUID also happens to appear in S: (mark,
//     index-in-S, ...)
//   - a bookmark match with no corresponding entry in S (the usual case --
//     the original snapshot was destroyed): (mark, -1, ...)
//   - no match at all, destination empty: (zero Mark, noCommonMark, nil) --
//     caller starts a FULL send
//
// In every case, if D is non-empty and its latest entry's GUID is not in
// S ∪ B, the returned error is a *zerrors.DivergenceConflict carrying
// whatever common mark was found (if any) so the driver can force-rollback
// to it instead of wiping the destination outright.
func findCommonMark(S []catalog.Snapshot, B []catalog.Bookmark, D []catalog.Snapshot, destGUIDs map[uint64]struct{}) (Mark, int, error) {
	anchor := Mark{}
	anchorIndex := noCommonMark

	for i := len(S) - 1; i >= 0; i-- {
		if _, ok := destGUIDs[S[i].GUID]; ok {
			anchor, anchorIndex = Mark{GUID: S[i].GUID, Tag: S[i].Tag}, i
			break
		}
	}

	if anchorIndex == noCommonMark {
		var chosen *catalog.Bookmark
		for i := range B {
			if _, ok := destGUIDs[B[i].GUID]; ok {
				if chosen == nil || B[i].CreateIndex > chosen.CreateIndex {
					chosen = &B[i] // highest createtxg wins ("most recent")
				}
			}
		}
		if chosen != nil {
			pos := -1
			for i, s := range S {
				if s.GUID == chosen.GUID {
					pos = i
					break
				}
			}
			anchor, anchorIndex = Mark{GUID: chosen.GUID, Tag: chosen.Tag, IsBookmark: true}, pos
		}
	}

	if len(D) == 0 {
		return anchor, anchorIndex, nil
	}

	latest := D[len(D)-1].GUID
	known := false
	for _, s := range S {
		if s.GUID == latest {
			known = true
			break
		}
	}
	for i := 0; !known && i < len(B); i++ {
		known = B[i].GUID == latest
	}
	if !known {
		conflict := &zerrors.DivergenceConflict{
			Detail: "destination's latest snapshot has no common-GUID ancestor on the source",
		}
		if anchorIndex != noCommonMark {
			conflict.HasCommonMark = true
			conflict.CommonMarkGUID = anchor.GUID
			conflict.CommonMarkTag = anchor.Tag
			conflict.CommonMarkIsBookmark = anchor.IsBookmark
		}
		return anchor, anchorIndex, conflict
	}

	return anchor, anchorIndex, nil
}

func firstIncludedIndex(incl []bool) int {
	for i, v := range incl {
		if v {
			return i
		}
	}
	return -1
}
