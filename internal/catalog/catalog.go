// Package catalog implements the Catalog component from spec.md §4.4:
// enumerating datasets, snapshots and bookmarks on either side, reading and
// writing dataset properties, and checking feature availability. All
// listing operations are observation points -- spec.md §4.4 requires the
// driver, not the Catalog, to tolerate a third party mutating state between
// two observations, so this package stays a thin, stateless translation
// layer over the underlying zfs(8)/zpool(8) command-line surface.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/faultinjection"
)

// Runner is the subset of *executor.Executor the Catalog needs. Kept as an
// interface so tests can substitute a fake without spawning zfs(8).
type Runner interface {
	Run(ctx context.Context, ep executor.Endpoint, argv []string, opts executor.RunOptions) (executor.Result, error)
}

// DatasetKind is a dataset's ZFS type.
type DatasetKind int

const (
	KindFilesystem DatasetKind = iota
	KindVolume
)

// Dataset is a named node in the storage hierarchy (spec.md §3).
type Dataset struct {
	Path       string
	Kind       DatasetKind
	Properties map[string]string
}

// Snapshot is identified by (dataset, tag) and carries the GUID identity
// spec.md §3 requires ("the only trusted identity").
type Snapshot struct {
	Tag         string
	GUID        uint64
	Created     time.Time
	CreateIndex uint64 // createtxg-equivalent, for the numeric tie-break in spec.md §4.5
}

// Bookmark is identified by (dataset, tag) and carries the GUID of the
// snapshot it was created from.
type Bookmark struct {
	Tag         string
	GUID        uint64
	CreateIndex uint64 // createtxg of the snapshot the bookmark was created from
}

// Catalog is the Catalog component, bound to per-endpoint zfs/zpool program
// names.
type Catalog struct {
	Runner Runner
	Faults *faultinjection.Registry

	ZFSBin   func(executor.Endpoint) string
	ZpoolBin func(executor.Endpoint) string
}

// New returns a Catalog using "zfs"/"zpool" on every endpoint unless
// zfsBin/zpoolBin override them (spec.md §6 "--zfs-program"/"--zpool-program").
func New(runner Runner, zfsBin, zpoolBin func(executor.Endpoint) string) *Catalog {
	if zfsBin == nil {
		zfsBin = func(executor.Endpoint) string { return "zfs" }
	}
	if zpoolBin == nil {
		zpoolBin = func(executor.Endpoint) string { return "zpool" }
	}
	return &Catalog{Runner: runner, ZFSBin: zfsBin, ZpoolBin: zpoolBin}
}

func (c *Catalog) run(ctx context.Context, ep executor.Endpoint, argv []string) (executor.Result, error) {
	if err := c.Faults.Maybe("catalog.run:" + ep.String()); err != nil {
		return executor.Result{}, err
	}
	return c.Runner.Run(ctx, ep, argv, executor.RunOptions{})
}

// ListDatasets enumerates datasets under root, ordered by name.
func (c *Catalog) ListDatasets(ctx context.Context, ep executor.Endpoint, root string, recursive bool) ([]Dataset, error) {
	argv := []string{c.ZFSBin(ep), "list", "-H", "-p", "-o", "name,type"}
	if recursive {
		argv = append(argv, "-r")
	} else {
		argv = append(argv, "-d", "1")
	}
	argv = append(argv, root)

	res, err := c.run(ctx, ep, argv)
	if err != nil {
		return nil, err
	}
	rows, err := parseTSV(res.Stdout, 2)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse dataset list: %w", err)
	}
	out := make([]Dataset, 0, len(rows))
	for _, row := range rows {
		kind := KindFilesystem
		if row[1] == "volume" {
			kind = KindVolume
		}
		out = append(out, Dataset{Path: row[0], Kind: kind})
	}
	return out, nil
}

// ListSnapshots enumerates dataset's direct snapshots, ordered by creation
// then CreateIndex then name (spec.md §4.5's tie-break).
func (c *Catalog) ListSnapshots(ctx context.Context, ep executor.Endpoint, dataset string) ([]Snapshot, error) {
	argv := []string{c.ZFSBin(ep), "list", "-H", "-p",
		"-o", "guid,creation,createtxg,name",
		"-t", "snapshot", "-d", "1", "-s", "creation", dataset}
	res, err := c.run(ctx, ep, argv)
	if err != nil {
		return nil, err
	}
	rows, err := parseTSV(res.Stdout, 4)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse snapshot list: %w", err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := parseSnapshotRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return sortSnapshots(out), nil
}

// ListBookmarks enumerates dataset's bookmarks.
func (c *Catalog) ListBookmarks(ctx context.Context, ep executor.Endpoint, dataset string) ([]Bookmark, error) {
	argv := []string{c.ZFSBin(ep), "list", "-H", "-p",
		"-o", "guid,createtxg,name", "-t", "bookmark", "-d", "1", dataset}
	res, err := c.run(ctx, ep, argv)
	if err != nil {
		return nil, err
	}
	rows, err := parseTSV(res.Stdout, 3)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse bookmark list: %w", err)
	}
	out := make([]Bookmark, 0, len(rows))
	for _, row := range rows {
		bm, err := parseBookmarkRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
	}
	return out, nil
}

// GetProperties reads the named properties of dataset.
func (c *Catalog) GetProperties(ctx context.Context, ep executor.Endpoint, dataset string, names []string) (map[string]string, error) {
	propArg := "all"
	if len(names) > 0 {
		propArg = joinComma(names)
	}
	argv := []string{c.ZFSBin(ep), "get", "-H", "-p", "-o", "property,value", propArg, dataset}
	res, err := c.run(ctx, ep, argv)
	if err != nil {
		return nil, err
	}
	rows, err := parseTSV(res.Stdout, 2)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse properties: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row[0]] = row[1]
	}
	return out, nil
}

// SetProperties writes props onto dataset in a single zfs set invocation.
func (c *Catalog) SetProperties(ctx context.Context, ep executor.Endpoint, dataset string, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}
	argv := []string{c.ZFSBin(ep), "set"}
	for k, v := range props {
		argv = append(argv, fmt.Sprintf("%s=%s", k, v))
	}
	argv = append(argv, dataset)
	_, err := c.run(ctx, ep, argv)
	return err
}

// CreateBookmark creates dataset#newTag from dataset@fromTag. It is
// idempotent: if a bookmark named newTag already exists with the same GUID
// as the source snapshot, this is a no-op rather than an error; a bookmark
// named newTag with a different GUID is an error.
func (c *Catalog) CreateBookmark(ctx context.Context, ep executor.Endpoint, dataset, fromTag, newTag string) error {
	snaps, err := c.ListSnapshots(ctx, ep, dataset)
	if err != nil {
		return err
	}
	var fromGUID uint64
	found := false
	for _, s := range snaps {
		if s.Tag == fromTag {
			fromGUID, found = s.GUID, true
			break
		}
	}
	if !found {
		return fmt.Errorf("catalog: create bookmark: source snapshot %s@%s not found", dataset, fromTag)
	}

	bookmarks, err := c.ListBookmarks(ctx, ep, dataset)
	if err != nil {
		return err
	}
	for _, b := range bookmarks {
		if b.Tag == newTag {
			if b.GUID == fromGUID {
				return nil // already exists with the right identity
			}
			return fmt.Errorf("catalog: bookmark %s#%s already exists with a different GUID", dataset, newTag)
		}
	}

	argv := []string{c.ZFSBin(ep), "bookmark",
		fmt.Sprintf("%s@%s", dataset, fromTag),
		fmt.Sprintf("%s#%s", dataset, newTag)}
	_, err = c.run(ctx, ep, argv)
	return err
}

// FeatureEnabled reports whether a zpool feature is enabled or active.
func (c *Catalog) FeatureEnabled(ctx context.Context, ep executor.Endpoint, pool, feature string) (bool, error) {
	argv := []string{c.ZpoolBin(ep), "get", "-H", "-o", "value", "feature@" + feature, pool}
	res, err := c.run(ctx, ep, argv)
	if err != nil {
		return false, err
	}
	value := firstLine(res.Stdout)
	return value == "enabled" || value == "active", nil
}

// LatestSnapshot returns the most recently created snapshot on dataset
// whose tag has the given prefix, for use by the monitor subcommand
// (SPEC_FULL.md §6).
func (c *Catalog) LatestSnapshot(ctx context.Context, ep executor.Endpoint, dataset, prefix string) (Snapshot, bool, error) {
	snaps, err := c.ListSnapshots(ctx, ep, dataset)
	if err != nil {
		return Snapshot{}, false, err
	}
	var latest Snapshot
	found := false
	for _, s := range snaps {
		if prefix != "" && !hasPrefix(s.Tag, prefix) {
			continue
		}
		if !found || s.Created.After(latest.Created) {
			latest, found = s, true
		}
	}
	return latest, found, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
