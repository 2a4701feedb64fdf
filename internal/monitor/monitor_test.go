package monitor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/monitor"
)

type fakeRunner struct {
	stdout []byte
}

func (f *fakeRunner) Run(_ context.Context, _ executor.Endpoint, _ []string, _ executor.RunOptions) (executor.Result, error) {
	return executor.Result{Stdout: f.stdout}, nil
}

func snapshotLine(guid uint64, createdUnix int64, tag string) string {
	return fmt.Sprintf("%d\t%d\t1\ttank/dst@%s\n", guid, createdUnix, tag)
}

func TestRun_ReportsOKWhenFresh(t *testing.T) {
	now := time.Now().Unix()
	rn := &fakeRunner{stdout: []byte(snapshotLine(1, now, "daily"))}
	cat := catalog.New(rn, nil, nil)
	resp := monitoringplugin.NewResponse("zreplicate monitor")

	c := monitor.New(cat, resp).WithDataset("tank/dst").WithPrefix("").WithThresholds(time.Hour, 2*time.Hour)
	require.NoError(t, c.Run(context.Background()))
}

func TestRun_ReportsCriticalWhenStale(t *testing.T) {
	stale := time.Now().Add(-48 * time.Hour).Unix()
	rn := &fakeRunner{stdout: []byte(snapshotLine(1, stale, "daily"))}
	cat := catalog.New(rn, nil, nil)
	resp := monitoringplugin.NewResponse("zreplicate monitor")

	c := monitor.New(cat, resp).WithDataset("tank/dst").WithThresholds(time.Hour, 2*time.Hour)
	require.NoError(t, c.Run(context.Background()))
}

func TestRun_ReportsCriticalWhenNoSnapshotMatches(t *testing.T) {
	rn := &fakeRunner{stdout: nil}
	cat := catalog.New(rn, nil, nil)
	resp := monitoringplugin.NewResponse("zreplicate monitor")

	c := monitor.New(cat, resp).WithDataset("tank/dst").WithPrefix("daily_")
	require.NoError(t, c.Run(context.Background()))
	assert.NotNil(t, resp)
}
