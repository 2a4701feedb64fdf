// Package monitor implements the "zreplicate monitor" supplemental
// subcommand (SPEC_FULL.md §6), grounded on the teacher's
// client/monitor.SnapCheck: a read-only check of destination snapshot
// freshness against age thresholds, reported as a Nagios-style plugin
// result. It uses the Catalog only and never touches the replication
// driver.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/executor"
)

// Check builds up a single dataset's freshness check and reports into a
// monitoringplugin.Response, following the teacher's SnapCheck's
// builder-style With* configuration.
type Check struct {
	catalog *catalog.Catalog
	resp    *monitoringplugin.Response

	dataset  string
	prefix   string
	warning  time.Duration
	critical time.Duration

	failed bool
}

// New returns a Check reporting into resp.
func New(cat *catalog.Catalog, resp *monitoringplugin.Response) *Check {
	return &Check{catalog: cat, resp: resp}
}

func (c *Check) WithDataset(dataset string) *Check {
	c.dataset = dataset
	return c
}

func (c *Check) WithPrefix(prefix string) *Check {
	c.prefix = prefix
	return c
}

func (c *Check) WithThresholds(warning, critical time.Duration) *Check {
	c.warning = warning
	c.critical = critical
	return c
}

// Run fetches the dataset's latest matching snapshot and updates resp
// according to its age against the configured thresholds.
func (c *Check) Run(ctx context.Context) error {
	snap, ok, err := c.catalog.LatestSnapshot(ctx, executor.DST, c.dataset, c.prefix)
	if err != nil {
		c.updateStatus(monitoringplugin.CRITICAL, "listing snapshots on %q: %v", c.dataset, err)
		return nil
	}
	if !ok {
		c.updateStatus(monitoringplugin.CRITICAL, "no snapshot matching prefix %q on %q", c.prefix, c.dataset)
		return nil
	}

	age := time.Since(snap.Created)
	switch {
	case c.critical > 0 && age > c.critical:
		c.updateStatus(monitoringplugin.CRITICAL, "%q: latest snapshot %q is %v old (critical %v)", c.dataset, snap.Tag, age, c.critical)
	case c.warning > 0 && age > c.warning:
		c.updateStatus(monitoringplugin.WARNING, "%q: latest snapshot %q is %v old (warning %v)", c.dataset, snap.Tag, age, c.warning)
	default:
		c.updateStatus(monitoringplugin.OK, "%q: latest snapshot %q is %v old", c.dataset, snap.Tag, age)
	}
	return nil
}

func (c *Check) updateStatus(statusCode int, format string, a ...any) {
	c.failed = c.failed || statusCode != monitoringplugin.OK
	c.resp.UpdateStatus(statusCode, fmt.Sprintf(format, a...))
}
