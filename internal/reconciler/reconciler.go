// Package reconciler implements the Deletion reconciler component from
// spec.md §4.7: two independent modes, enabled by flag, that bring the
// destination's snapshot and dataset sets into agreement with the source's
// filtered view by destroying what no longer belongs.
package reconciler

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

// Policy controls one reconciliation pass.
type Policy struct {
	DryRun      bool
	SkipOnError SkipOnError
}

type SkipOnError int

const (
	SkipOnErrorFail SkipOnError = iota
	SkipOnErrorDataset
	SkipOnErrorTree
)

// DatasetFilter reports whether path is admitted by the dataset filter
// (spec.md §4.1); excluded subtrees are preserved by both reconciler modes.
type DatasetFilter func(path string) bool

// Report is what a pass did or, under DryRun, would do.
type Report struct {
	DestroyedSnapshots []string // "dataset@tag"
	DestroyedDatasets  []string
	JSONDiff           string // set by ReconcileSnapshots under DryRun: gojsondiff ASCII diff of the snapshot tags
}

// Reconciler is the Deletion reconciler, bound to a Catalog.
type Reconciler struct {
	Catalog *catalog.Catalog
}

// ReconcileSnapshots implements "delete missing snapshots" (spec.md §4.7):
// for each destination dataset that also exists on the source and passes
// filter, destroy every destination snapshot whose GUID is absent from the
// source's current snapshots and bookmarks. A same-named snapshot with a
// different GUID counts as absent.
func (r *Reconciler) ReconcileSnapshots(ctx context.Context, srcDataset, dstDataset string, filter DatasetFilter, policy Policy) (Report, error) {
	if !filter(srcDataset) {
		return Report{}, nil
	}

	srcSnaps, err := r.Catalog.ListSnapshots(ctx, executor.SRC, srcDataset)
	if err != nil {
		return Report{}, err
	}
	srcBookmarks, err := r.Catalog.ListBookmarks(ctx, executor.SRC, srcDataset)
	if err != nil {
		return Report{}, err
	}
	dstSnaps, err := r.Catalog.ListSnapshots(ctx, executor.DST, dstDataset)
	if err != nil {
		var cf *zerrors.CommandFailure
		if errors.As(err, &cf) {
			return Report{}, nil // destination dataset absent: nothing to reconcile
		}
		return Report{}, err
	}

	keep := make(map[uint64]bool, len(srcSnaps)+len(srcBookmarks))
	for _, s := range srcSnaps {
		keep[s.GUID] = true
	}
	for _, b := range srcBookmarks {
		keep[b.GUID] = true
	}

	var toDestroy []catalog.Snapshot
	for _, d := range dstSnaps {
		if !keep[d.GUID] {
			toDestroy = append(toDestroy, d)
		}
	}
	sort.Slice(toDestroy, func(i, j int) bool { return toDestroy[i].Tag < toDestroy[j].Tag })

	rep := Report{}
	for _, d := range toDestroy {
		rep.DestroyedSnapshots = append(rep.DestroyedSnapshots, dstDataset+"@"+d.Tag)
	}

	if policy.DryRun {
		rep.JSONDiff = diffSnapshotSets(dstSnaps, toDestroy)
		return rep, nil
	}

	var errOuts []error
	reqs := make([]*catalog.DestroySnapOp, len(toDestroy))
	for i, d := range toDestroy {
		reqs[i] = &catalog.DestroySnapOp{Filesystem: dstDataset, Name: d.Tag, ErrOut: new(error)}
	}
	r.Catalog.DestroySnapshots(ctx, executor.DST, reqs)
	for _, req := range reqs {
		if *req.ErrOut != nil {
			errOuts = append(errOuts, *req.ErrOut)
			if policy.SkipOnError == SkipOnErrorFail {
				return rep, *req.ErrOut
			}
		}
	}
	return rep, nil
}

// ReconcileDatasets implements "delete missing datasets" (spec.md §4.7):
// destroy every destination dataset with no counterpart under the source
// root, deepest first, respecting exclusion filters.
func (r *Reconciler) ReconcileDatasets(ctx context.Context, srcRoot, dstRoot string, filter DatasetFilter, policy Policy) (Report, error) {
	srcAll, err := r.Catalog.ListDatasets(ctx, executor.SRC, srcRoot, true)
	if err != nil {
		return Report{}, err
	}
	dstAll, err := r.Catalog.ListDatasets(ctx, executor.DST, dstRoot, true)
	if err != nil {
		return Report{}, err
	}

	srcRel := make(map[string]bool, len(srcAll))
	for _, d := range srcAll {
		srcRel[relativePath(srcRoot, d.Path)] = true
	}

	var orphans []catalog.Dataset
	for _, d := range dstAll {
		rel := relativePath(dstRoot, d.Path)
		if rel == "" {
			continue // the root itself is never an "orphan" of itself
		}
		if !filter(rel) {
			continue // excluded subtree preserved
		}
		if !srcRel[rel] {
			orphans = append(orphans, d)
		}
	}

	// Deepest first: more path separators sorts first; ties broken by
	// reverse lexical order so a child always precedes its parent.
	sort.Slice(orphans, func(i, j int) bool {
		di, dj := depth(orphans[i].Path), depth(orphans[j].Path)
		if di != dj {
			return di > dj
		}
		return orphans[i].Path > orphans[j].Path
	})

	rep := Report{}
	for _, d := range orphans {
		rep.DestroyedDatasets = append(rep.DestroyedDatasets, d.Path)
	}
	if policy.DryRun {
		return rep, nil
	}

	for _, d := range orphans {
		if err := r.Catalog.DestroyDataset(ctx, executor.DST, d.Path, true); err != nil {
			if policy.SkipOnError == SkipOnErrorFail {
				return rep, err
			}
		}
	}
	return rep, nil
}

func relativePath(root, path string) string {
	rel := strings.TrimPrefix(path, root)
	return strings.TrimPrefix(rel, "/")
}

func depth(path string) int {
	return strings.Count(path, "/")
}

// diffSnapshotSets renders a JSON diff between "what the destination has"
// and "what it would have after reconciliation", for --dryrun reporting.
func diffSnapshotSets(before []catalog.Snapshot, destroyed []catalog.Snapshot) string {
	destroyedTags := make(map[string]bool, len(destroyed))
	for _, d := range destroyed {
		destroyedTags[d.Tag] = true
	}

	beforeMap := map[string]interface{}{"snapshots": tagsOf(before)}
	var after []string
	for _, s := range before {
		if !destroyedTags[s.Tag] {
			after = append(after, s.Tag)
		}
	}
	afterMap := map[string]interface{}{"snapshots": after}

	differ := gojsondiff.New()
	diff, err := differ.CompareObjects(beforeMap, afterMap)
	if err != nil || !diff.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(beforeMap, formatter.AsciiFormatterDefaultConfig)
	text, err := f.Format(diff)
	if err != nil {
		return ""
	}
	return text
}

func tagsOf(snaps []catalog.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Tag
	}
	return out
}
