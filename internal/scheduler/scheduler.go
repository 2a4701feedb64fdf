// Package scheduler implements the Scheduler component from spec.md §4.9:
// walking the dataset tree from the source root, applying the dataset
// filter, and dispatching each admitted (src, dst) pair to the Replication
// driver in a deterministic parents-before-children order.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/executor"
)

// Pair is one admitted (src, dst) dataset pair.
type Pair struct {
	Src   string
	Dst   string
	Depth int // 0 = root
}

// DatasetFilter reports whether path passes the dataset filter
// (spec.md §4.1, last-matching-rule-wins).
type DatasetFilter func(path string) bool

// Plan walks srcRoot (recursively if recursive is set), maps each admitted
// source dataset onto its destination counterpart under dstRoot, and
// returns them ordered parents-before-children, per spec.md §4.9. If
// skipParent is set, srcRoot itself is omitted but its descendants are
// still processed.
func Plan(ctx context.Context, c *catalog.Catalog, srcRoot, dstRoot string, recursive, skipParent bool, filter DatasetFilter) ([]Pair, error) {
	datasets, err := c.ListDatasets(ctx, executor.SRC, srcRoot, recursive)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for _, ds := range datasets {
		rel := relativePath(srcRoot, ds.Path)
		if rel == "" && skipParent {
			continue
		}
		if rel != "" && !recursive {
			continue // without recursive, only srcRoot itself is admitted
		}
		if !filter(rel) {
			continue
		}
		dst := dstRoot
		if rel != "" {
			dst = dstRoot + "/" + rel
		}
		pairs = append(pairs, Pair{Src: ds.Path, Dst: dst, Depth: depth(rel)})
	}

	// Stable by Depth keeps ListDatasets' name order within each depth,
	// giving a deterministic parents-before-children dispatch order.
	stableSortByDepth(pairs)
	return pairs, nil
}

// RunFunc processes one admitted pair; returning an error signals failure
// for that pair (the caller decides whether to abort the run, skip just
// this dataset, or skip its whole subtree, per --skip-on-error).
type RunFunc func(ctx context.Context, pair Pair) error

// SkipOnError mirrors driver.SkipOnError for the scheduler's own escalation
// decisions (whether a failed pair's descendants are still attempted).
type SkipOnError int

const (
	SkipOnErrorFail SkipOnError = iota
	SkipOnErrorDataset
	SkipOnErrorTree
)

// Dispatch runs run over pairs in order, honoring concurrency (bounded
// cross-subtree parallelism per SPEC_FULL.md's DOMAIN STACK addition;
// default 1 means strictly sequential) and skipOnError. Parents are always
// fully processed (including retries inside the driver) before their
// children are attempted, since pairs is already parents-before-children
// ordered and concurrency only parallelises *independent* subtrees -- two
// pairs at the same depth under different roots may run concurrently, but
// Dispatch never starts a child before Plan's ordering has placed its
// parent earlier in the slice and that earlier call has returned.
func Dispatch(ctx context.Context, pairs []Pair, concurrency int, skipOnError SkipOnError, run RunFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}

	// Concurrency 1 (the default) runs strictly in Plan's order with no
	// goroutine involved at all, so --skip-on-error=tree sees every
	// ancestor's outcome before its children are considered.
	if concurrency == 1 {
		skippedTree := map[string]bool{}
		for _, pair := range pairs {
			if underSkippedTree(skippedTree, pair.Src) {
				continue
			}
			if err := run(ctx, pair); err != nil {
				switch skipOnError {
				case SkipOnErrorFail:
					return err
				case SkipOnErrorTree:
					skippedTree[pair.Src] = true
				}
			}
		}
		return nil
	}

	var mu sync.Mutex
	skippedTree := map[string]bool{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, pair := range pairs {
		pair := pair
		// Every pair of the previous depth has returned before the next
		// depth starts, so no child runs before or alongside its parent.
		if i > 0 && pair.Depth != pairs[i-1].Depth {
			if err := g.Wait(); err != nil {
				return err
			}
			g, gctx = errgroup.WithContext(ctx)
			g.SetLimit(concurrency)
		}
		runCtx := gctx
		mu.Lock()
		skip := underSkippedTree(skippedTree, pair.Src)
		mu.Unlock()
		if skip {
			continue
		}
		g.Go(func() error {
			if err := run(runCtx, pair); err != nil {
				switch skipOnError {
				case SkipOnErrorFail:
					return err
				case SkipOnErrorTree:
					mu.Lock()
					skippedTree[pair.Src] = true
					mu.Unlock()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func underSkippedTree(skipped map[string]bool, path string) bool {
	for root := range skipped {
		if path == root || hasDatasetPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

func hasDatasetPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func relativePath(root, path string) string {
	if path == root {
		return ""
	}
	if len(path) > len(root) && path[:len(root)] == root && path[len(root)] == '/' {
		return path[len(root)+1:]
	}
	return path
}

func depth(rel string) int {
	if rel == "" {
		return 0
	}
	n := 1
	for _, c := range rel {
		if c == '/' {
			n++
		}
	}
	return n
}

func stableSortByDepth(pairs []Pair) {
	// insertion sort: pairs is typically small (one dataset subtree) and
	// this keeps ListDatasets' original ordering stable within a depth.
	for i := 1; i < len(pairs); i++ {
		j := i
		for j > 0 && pairs[j-1].Depth > pairs[j].Depth {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
			j--
		}
	}
}
