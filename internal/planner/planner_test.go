package planner_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/planner"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

func snap(guid uint64, idx uint64, tag string) catalog.Snapshot {
	return catalog.Snapshot{
		GUID:        guid,
		Tag:         tag,
		CreateIndex: idx,
		Created:     time.Unix(int64(idx), 0).UTC(),
	}
}

func bookmark(guid uint64, tag string) catalog.Bookmark {
	return catalog.Bookmark{GUID: guid, Tag: tag, CreateIndex: guid}
}

func bookmarkAt(guid uint64, tag string, createIndex uint64) catalog.Bookmark {
	return catalog.Bookmark{GUID: guid, Tag: tag, CreateIndex: createIndex}
}

func includeDOnly(tag string) bool {
	return len(tag) > 0 && tag[0] == 'd'
}

func includeAll(string) bool { return true }

// resultingDestinationGUIDs simulates applying a plan to a starting
// destination GUID set, returning the GUID set the destination would end
// up with. Used to check the plan actually reconstructs the filtered
// source snapshot set (the universal correctness invariant).
func resultingDestinationGUIDs(initial []uint64, steps []planner.SendStep) map[uint64]bool {
	have := make(map[uint64]bool, len(initial))
	for _, g := range initial {
		have[g] = true
	}
	for _, st := range steps {
		switch st.Kind {
		case planner.FULL, planner.INCREMENTAL_EXCLUSIVE:
			have[st.To.GUID] = true
		case planner.INCREMENTAL_INCLUSIVE:
			for _, s := range st.Through {
				have[s.GUID] = true
			}
		}
	}
	return have
}

// Scenario 1 (spec.md §8): exclude hourlies.
func TestScenario1_ExcludeHourlies(t *testing.T) {
	S := []catalog.Snapshot{
		snap(1, 1, "d1"), snap(2, 2, "h1"), snap(3, 3, "d2"), snap(4, 4, "d3"), snap(5, 5, "d4"),
	}
	plan, err := planner.Compute(S, includeDOnly, nil, nil, planner.Policy{})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 4)
	assert.Equal(t, planner.FULL, plan.Steps[0].Kind)
	assert.Equal(t, "d1", plan.Steps[0].To.Tag)

	for i, wantTag := range []string{"d2", "d3", "d4"} {
		st := plan.Steps[i+1]
		assert.Equal(t, planner.INCREMENTAL_EXCLUSIVE, st.Kind, "step %d", i+1)
		assert.Equal(t, wantTag, st.To.Tag, "step %d", i+1)
	}
	assert.Equal(t, "d1", plan.Steps[1].From.Tag)
	assert.Equal(t, "d2", plan.Steps[2].From.Tag)
	assert.Equal(t, "d3", plan.Steps[3].From.Tag)

	got := resultingDestinationGUIDs(nil, plan.Steps)
	assert.Equal(t, map[uint64]bool{1: true, 3: true, 4: true, 5: true}, got)
}

// Scenario 2 (spec.md §8): common bookmark anchors a deleted snapshot.
func TestScenario2_CommonBookmarkAfterSourceSnapshotDeleted(t *testing.T) {
	S := []catalog.Snapshot{snap(2, 2, "d2")}
	B := []catalog.Bookmark{bookmark(1, "d1")}
	D := []catalog.Snapshot{snap(1, 1, "d1")}

	plan, err := planner.Compute(S, includeAll, B, D, planner.Policy{})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 1)
	st := plan.Steps[0]
	assert.Equal(t, planner.INCREMENTAL_EXCLUSIVE, st.Kind)
	assert.True(t, st.From.IsBookmark)
	assert.Equal(t, uint64(1), st.From.GUID)
	assert.Equal(t, "d2", st.To.Tag)

	got := resultingDestinationGUIDs([]uint64{1}, plan.Steps)
	assert.Equal(t, map[uint64]bool{1: true, 2: true}, got)
}

// Scenario 3 (spec.md §8): divergent destination without force is a conflict.
func TestScenario3_DivergentDestinationWithoutForce(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2")}
	D := []catalog.Snapshot{snap(99, 1, "other")}

	_, err := planner.Compute(S, includeAll, nil, D, planner.Policy{})
	require.Error(t, err)
	var dc *zerrors.DivergenceConflict
	require.ErrorAs(t, err, &dc)
}

// Scenario 3 literal (spec.md §8): a common mark exists (t6) but the
// destination's actual latest snapshot (t7) has diverged and the
// destination carries an extra t8 beyond it -- this must still be reported
// as a conflict, carrying t6 as the common mark for the driver's rollback,
// not silently treated as "common mark found, proceed".
func TestScenario3_CommonMarkExistsButDestinationLatestDiverged(t *testing.T) {
	S := []catalog.Snapshot{
		snap(1, 1, "t1"), snap(2, 2, "t2"), snap(3, 3, "t3"),
		snap(4, 4, "t4"), snap(5, 5, "t5"), snap(6, 6, "t6"), snap(7, 7, "t7"),
	}
	D := []catalog.Snapshot{
		snap(1, 1, "t1"), snap(2, 2, "t2"), snap(3, 3, "t3"),
		snap(4, 4, "t4"), snap(5, 5, "t5"), snap(6, 6, "t6"),
		snap(97, 7, "t7"), snap(98, 8, "t8"),
	}

	_, err := planner.Compute(S, includeAll, nil, D, planner.Policy{})
	require.Error(t, err)
	var dc *zerrors.DivergenceConflict
	require.ErrorAs(t, err, &dc)
	assert.True(t, dc.HasCommonMark)
	assert.Equal(t, uint64(6), dc.CommonMarkGUID)
	assert.Equal(t, "t6", dc.CommonMarkTag)
}

// Scenario 3b (spec.md §8): with force, the driver rolls the destination
// back before re-planning; the planner itself just needs an empty-or-common
// destination view post-rollback to proceed normally.
func TestScenario3_DivergentDestinationAfterForceRollback(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2")}
	// Driver rolled destination back to empty, simulating --force's wipe.
	plan, err := planner.Compute(S, includeAll, nil, nil, planner.Policy{})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, planner.FULL, plan.Steps[0].Kind)
	assert.Equal(t, planner.INCREMENTAL_INCLUSIVE, plan.Steps[1].Kind)
}

// Scenario 4 (spec.md §8): same tag, different GUID is still a mismatch the
// reconciler must destroy and re-replicate; the planner's correctness
// invariant is scoped to GUIDs, never names.
func TestScenario4_SameNameDifferentGUIDIsNotACommonMark(t *testing.T) {
	S := []catalog.Snapshot{snap(10, 1, "d1")}
	D := []catalog.Snapshot{snap(99, 1, "d1")} // same tag, different GUID

	_, err := planner.Compute(S, includeAll, nil, D, planner.Policy{})
	require.Error(t, err) // no GUID in common -> divergence, not a silent match
	var dc *zerrors.DivergenceConflict
	require.ErrorAs(t, err, &dc)
}

// Scenario 5 (spec.md §8): when the snapshot filter excludes every source
// snapshot, the plan is empty; destination-side deletion is left to the
// reconciler, not the planner.
func TestScenario5_EmptyIncludedSetYieldsEmptyPlan(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "h1"), snap(2, 2, "h2")}
	plan, err := planner.Compute(S, includeDOnly, nil, nil, planner.Policy{})
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
}

// Scenario 6 (spec.md §8): retrying an already-applied plan from a
// not-yet-fully-caught-up destination computes exactly the remaining steps,
// no more.
func TestScenario6_RetryComputesOnlyRemainingSteps(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2"), snap(3, 3, "d3")}
	D := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2")} // d3 not yet applied

	plan, err := planner.Compute(S, includeAll, nil, D, planner.Policy{})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "d2", plan.Steps[0].From.Tag)
	assert.Equal(t, "d3", plan.Steps[0].To.Tag)
}

func TestForceConvertInclusiveToExclusive(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2"), snap(3, 3, "d3")}
	plan, err := planner.Compute(S, includeAll, nil, nil, planner.Policy{ForceConvertInclusiveToExclusive: true})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3) // FULL d1, EXCLUSIVE d1->d2, EXCLUSIVE d2->d3
	assert.Equal(t, planner.FULL, plan.Steps[0].Kind)
	assert.Equal(t, planner.INCREMENTAL_EXCLUSIVE, plan.Steps[1].Kind)
	assert.Equal(t, planner.INCREMENTAL_EXCLUSIVE, plan.Steps[2].Kind)
}

func TestContiguousRunWithoutGapUsesSingleInclusiveStep(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2"), snap(3, 3, "d3"), snap(4, 4, "d4")}
	D := []catalog.Snapshot{snap(1, 1, "d1")}

	plan, err := planner.Compute(S, includeAll, nil, D, planner.Policy{})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	st := plan.Steps[0]
	assert.Equal(t, planner.INCREMENTAL_INCLUSIVE, st.Kind)
	assert.Equal(t, "d1", st.From.Tag)
	assert.Equal(t, "d4", st.To.Tag)
	require.Len(t, st.Through, 3)
	assert.Equal(t, []string{"d2", "d3", "d4"}, []string{st.Through[0].Tag, st.Through[1].Tag, st.Through[2].Tag})
}

func TestDeterminism(t *testing.T) {
	S := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "h1"), snap(3, 3, "d2"), snap(4, 4, "d3")}
	p1, err := planner.Compute(S, includeDOnly, nil, nil, planner.Policy{})
	require.NoError(t, err)
	p2, err := planner.Compute(S, includeDOnly, nil, nil, planner.Policy{})
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestEmptySourceAndEmptyDestinationYieldsEmptyPlan(t *testing.T) {
	plan, err := planner.Compute(nil, includeAll, nil, nil, planner.Policy{})
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
}

func TestMostRecentBookmarkPreferredOverEarlierOne(t *testing.T) {
	S := []catalog.Snapshot{snap(3, 3, "d3")}
	B := []catalog.Bookmark{bookmark(1, "d1"), bookmark(2, "d2")}
	D := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2")}

	plan, err := planner.Compute(S, includeAll, B, D, planner.Policy{})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, uint64(2), plan.Steps[0].From.GUID)
}

// The tie-break is on createtxg, not listing order: B here lists the older
// bookmark (by createtxg) last, which would pick the wrong one under a
// "last match wins" rule.
func TestMostRecentBookmarkPreferredByCreateIndexNotListingOrder(t *testing.T) {
	S := []catalog.Snapshot{snap(3, 3, "d3")}
	B := []catalog.Bookmark{bookmarkAt(2, "d2", 20), bookmarkAt(1, "d1", 10)}
	D := []catalog.Snapshot{snap(1, 1, "d1"), snap(2, 2, "d2")}

	plan, err := planner.Compute(S, includeAll, B, D, planner.Policy{})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, uint64(2), plan.Steps[0].From.GUID)
}
