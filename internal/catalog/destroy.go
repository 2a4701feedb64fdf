package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/filter"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

// DestroySnapOp is one snapshot destroy request, batched by Filesystem with
// its siblings to keep the Remote executor's command-line budget in check
// (spec.md §4.2, §4.7). Grounded on the teacher's batched-destroy strategy:
// combine same-filesystem destroys into one "@tag1,tag2,..." argument, and
// fall back to halving/sequential execution if the combined form is
// rejected.
type DestroySnapOp struct {
	Filesystem string
	Name       string
	ErrOut     *error
}

// DestroySnapshots executes reqs, batched per filesystem. Every req's
// ErrOut is populated (nil on success) before this call returns.
func (c *Catalog) DestroySnapshots(ctx context.Context, ep executor.Endpoint, reqs []*DestroySnapOp) {
	var valid []*DestroySnapOp
	for _, r := range reqs {
		switch {
		case r.Filesystem == "":
			*r.ErrOut = fmt.Errorf("catalog: destroy: filesystem must not be empty")
		case r.Name == "":
			*r.ErrOut = fmt.Errorf("catalog: destroy: snapshot name must not be empty")
		default:
			valid = append(valid, r)
		}
	}
	for _, batch := range buildDestroyBatches(valid) {
		c.destroyBatchRec(ctx, ep, batch)
	}
}

func buildDestroyBatches(reqs []*DestroySnapOp) [][]*DestroySnapOp {
	if len(reqs) == 0 {
		return nil
	}
	sorted := append([]*DestroySnapOp{}, reqs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Filesystem != sorted[j].Filesystem {
			return sorted[i].Filesystem < sorted[j].Filesystem
		}
		return filter.NaturalLess(sorted[i].Name, sorted[j].Name)
	})

	var batches [][]*DestroySnapOp
	i := 0
	for i < len(sorted) {
		j := i + 1
		for j < len(sorted) && sorted[j].Filesystem == sorted[i].Filesystem {
			j++
		}
		batches = append(batches, sorted[i:j])
		i = j
	}
	return batches
}

// destroyBatchRec tries one zfs destroy invocation naming every snapshot in
// batch (same filesystem) at once; on CommandFailure it halves the batch
// and recurses, bottoming out at sequential single-snapshot destroys.
func (c *Catalog) destroyBatchRec(ctx context.Context, ep executor.Endpoint, batch []*DestroySnapOp) {
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		c.destroySeq(ctx, ep, batch)
		return
	}

	err := c.destroyCombined(ctx, ep, batch)
	if err == nil {
		setErr(batch, nil)
		return
	}

	var cf *zerrors.CommandFailure
	if errors.As(err, &cf) {
		mid := len(batch) / 2
		c.destroyBatchRec(ctx, ep, batch[:mid])
		c.destroyBatchRec(ctx, ep, batch[mid:])
		return
	}
	// Non-command errors (transport, context cancellation) apply uniformly.
	setErr(batch, err)
}

func (c *Catalog) destroyCombined(ctx context.Context, ep executor.Endpoint, batch []*DestroySnapOp) error {
	names := make([]string, len(batch))
	for i, r := range batch {
		names[i] = r.Name
	}
	arg := fmt.Sprintf("%s@%s", batch[0].Filesystem, strings.Join(names, ","))
	_, err := c.run(ctx, ep, []string{c.ZFSBin(ep), "destroy", arg})
	return err
}

func (c *Catalog) destroySeq(ctx context.Context, ep executor.Endpoint, batch []*DestroySnapOp) {
	for _, r := range batch {
		arg := fmt.Sprintf("%s@%s", r.Filesystem, r.Name)
		_, err := c.run(ctx, ep, []string{c.ZFSBin(ep), "destroy", arg})
		*r.ErrOut = err
	}
}

func setErr(batch []*DestroySnapOp, err error) {
	for _, r := range batch {
		*r.ErrOut = err
	}
}

// DestroyDataset destroys an entire dataset (used by the deletion
// reconciler's dataset-deletion mode, spec.md §4.7).
func (c *Catalog) DestroyDataset(ctx context.Context, ep executor.Endpoint, dataset string, recursive bool) error {
	argv := []string{c.ZFSBin(ep), "destroy"}
	if recursive {
		argv = append(argv, "-r")
	}
	argv = append(argv, dataset)
	_, err := c.run(ctx, ep, argv)
	return err
}
