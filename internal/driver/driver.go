// Package driver implements the Replication driver component from
// spec.md §4.6: the per-dataset state machine
// PROBE → (PLAN|CONFLICT) → (ROLLBACK?) → EXECUTE* → POST → DONE|SKIPPED|FAILED.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/faultinjection"
	"github.com/ondisk/zreplicate/internal/pipeline"
	"github.com/ondisk/zreplicate/internal/planner"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

// SkipOnError is the --skip-on-error escalation policy (spec.md §4.6, §6).
type SkipOnError int

const (
	SkipOnErrorFail SkipOnError = iota
	SkipOnErrorDataset
	SkipOnErrorTree
)

// State is one of the Replication driver's state machine states.
type State int

const (
	StateDone State = iota
	StateSkipped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDone:
		return "done"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	default:
		return "state(?)"
	}
}

// Policy controls one RunDataset invocation.
type Policy struct {
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Force     bool // rollback destination every run if diverged
	ForceOnce bool // rollback destination for this run only; caller decides whether to re-arm it next run

	NoCreateBookmark bool
	NoUseBookmark    bool

	ForceConvertInclusiveToExclusive bool

	DryRunSend bool
	DryRunRecv bool

	ZFSSendOpts []string
	ZFSRecvOpts []string

	SkipOnError SkipOnError

	MinPayloadBytes int64
}

func (p Policy) backoffBase() time.Duration {
	if p.BackoffBase <= 0 {
		return 1 * time.Second
	}
	return p.BackoffBase
}

func (p Policy) backoffMax() time.Duration {
	if p.BackoffMax <= 0 {
		return 30 * time.Second
	}
	return p.BackoffMax
}

// Result is what RunDataset produced.
type Result struct {
	State         State
	StepsExecuted int
	BytesSent     uint64
	Err           error
}

// Metrics is the Prometheus instrumentation for the Replication driver,
// grounded on the teacher's promSecsPerState/promBytesReplicated fields.
type Metrics struct {
	SecsPerState    *prometheus.HistogramVec
	BytesReplicated *prometheus.CounterVec
}

// NewMetrics registers the driver's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SecsPerState: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zreplicate",
			Subsystem: "driver",
			Name:      "secs_per_state",
			Help:      "Seconds spent in each Replication driver state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		BytesReplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zreplicate",
			Subsystem: "driver",
			Name:      "bytes_replicated_total",
			Help:      "Bytes sent through the pipeline, per destination dataset.",
		}, []string{"filesystem"}),
	}
	reg.MustRegister(m.SecsPerState, m.BytesReplicated)
	return m
}

// Driver is the Replication driver, bound to a Catalog and Pipeline builder.
type Driver struct {
	Catalog  *catalog.Catalog
	Pipeline *pipeline.Builder
	Metrics  *Metrics
	Faults   *faultinjection.Registry
	Log      *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Driver) observe(state string, start time.Time) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.SecsPerState.WithLabelValues(state).Observe(time.Since(start).Seconds())
}

// RunDataset replicates one (src, dst) dataset pair per spec.md §4.6.
func (d *Driver) RunDataset(ctx context.Context, srcDataset, dstDataset string, included func(tag string) bool, policy Policy) Result {
	probeStart := time.Now()
	S, B, D, err := d.probe(ctx, srcDataset, dstDataset, policy.NoUseBookmark)
	d.observe("probe", probeStart)
	if err != nil {
		return d.fail(policy, err)
	}

	planStart := time.Now()
	plan, err := planner.Compute(S, included, B, D, planner.Policy{ForceConvertInclusiveToExclusive: policy.ForceConvertInclusiveToExclusive})
	d.observe("plan", planStart)

	var diverge *zerrors.DivergenceConflict
	if errors.As(err, &diverge) {
		rollbackStart := time.Now()
		if !policy.Force && !policy.ForceOnce {
			d.observe("conflict", rollbackStart)
			return d.fail(policy, err)
		}
		diverge.Dataset = dstDataset
		kept, stale := splitAtCommonMark(D, diverge)
		if rbErr := d.destroySnapshots(ctx, dstDataset, stale); rbErr != nil {
			d.observe("rollback", rollbackStart)
			return d.fail(policy, fmt.Errorf("rollback %q: %w", dstDataset, rbErr))
		}
		plan, err = planner.Compute(S, included, B, kept, planner.Policy{ForceConvertInclusiveToExclusive: policy.ForceConvertInclusiveToExclusive})
		d.observe("rollback", rollbackStart)
		if err != nil {
			return d.fail(policy, err)
		}
	} else if err != nil {
		return d.fail(policy, err)
	}

	execStart := time.Now()
	res := Result{State: StateDone}
	for _, step := range plan.Steps {
		n, stepErr := d.executeStepWithRetry(ctx, srcDataset, dstDataset, step, policy)
		res.BytesSent += n
		res.StepsExecuted++
		if stepErr != nil {
			d.observe("execute", execStart)
			return d.fail(policy, stepErr)
		}
		if !policy.NoCreateBookmark {
			bookmarkStart := time.Now()
			if enabled, ferr := d.Catalog.FeatureEnabled(ctx, srcDatasetEndpoint, poolOf(srcDataset), "bookmark_v2"); ferr == nil && enabled {
				_ = d.Catalog.CreateBookmark(ctx, srcDatasetEndpoint, srcDataset, step.To.Tag, step.To.Tag)
			}
			d.observe("bookmark", bookmarkStart)
		}
	}
	d.observe("execute", execStart)

	postStart := time.Now()
	if d.Metrics != nil {
		d.Metrics.BytesReplicated.WithLabelValues(dstDataset).Add(float64(res.BytesSent))
	}
	d.observe("post", postStart)
	return res
}

func (d *Driver) fail(policy Policy, err error) Result {
	state := StateFailed
	var perm *zerrors.PermanentStepFailure
	var inv *zerrors.InternalInvariantViolation
	if policy.SkipOnError != SkipOnErrorFail && !errors.As(err, &perm) && !errors.As(err, &inv) {
		state = StateSkipped
	}
	return Result{State: state, Err: err}
}

// probe lists both sides' marks (spec.md §4.6 step 1). A missing
// destination dataset (zfs list exits non-zero) is reported as an empty D,
// which the planner already treats identically to "no common mark, plan a
// FULL send".
func (d *Driver) probe(ctx context.Context, srcDataset, dstDataset string, noUseBookmark bool) (S []catalog.Snapshot, B []catalog.Bookmark, D []catalog.Snapshot, err error) {
	S, err = d.Catalog.ListSnapshots(ctx, srcDatasetEndpoint, srcDataset)
	if err != nil {
		return nil, nil, nil, &zerrors.TransientFailure{Op: "list source snapshots", Err: err}
	}
	if !noUseBookmark {
		B, err = d.Catalog.ListBookmarks(ctx, srcDatasetEndpoint, srcDataset)
		if err != nil {
			return nil, nil, nil, &zerrors.TransientFailure{Op: "list source bookmarks", Err: err}
		}
	}
	D, err = d.Catalog.ListSnapshots(ctx, dstDatasetEndpoint, dstDataset)
	if err != nil {
		var cf *zerrors.CommandFailure
		if errors.As(err, &cf) {
			return S, B, nil, nil
		}
		return nil, nil, nil, &zerrors.TransientFailure{Op: "list destination snapshots", Err: err}
	}
	return S, B, D, nil
}

// splitAtCommonMark partitions D around the common mark a DivergenceConflict
// carries (spec.md §4.6 step 3): kept is everything up to and including the
// common mark, stale is everything newer that a forced rollback must
// destroy. When the conflict carries no common mark at all, every
// destination snapshot is stale.
func splitAtCommonMark(D []catalog.Snapshot, diverge *zerrors.DivergenceConflict) (kept, stale []catalog.Snapshot) {
	if !diverge.HasCommonMark {
		return nil, D
	}
	for i, d := range D {
		if d.GUID == diverge.CommonMarkGUID {
			return D[:i+1], D[i+1:]
		}
	}
	return nil, D
}

// destroySnapshots force-rollbacks the destination by destroying exactly the
// stale snapshots identified by splitAtCommonMark, instead of wiping the
// whole dataset.
func (d *Driver) destroySnapshots(ctx context.Context, dstDataset string, stale []catalog.Snapshot) error {
	if len(stale) == 0 {
		return nil
	}
	errs := make([]error, len(stale))
	reqs := make([]*catalog.DestroySnapOp, len(stale))
	for i, snap := range stale {
		reqs[i] = &catalog.DestroySnapOp{Filesystem: dstDataset, Name: snap.Tag, ErrOut: &errs[i]}
	}
	d.Catalog.DestroySnapshots(ctx, dstDatasetEndpoint, reqs)
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func (d *Driver) executeStepWithRetry(ctx context.Context, srcDataset, dstDataset string, step planner.SendStep, policy Policy) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			wait := backoff(policy, attempt)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
		}
		n, err := d.executeStep(ctx, srcDataset, dstDataset, step, policy)
		if err == nil {
			return n, nil
		}
		lastErr = err
		var transient *zerrors.TransientFailure
		var pf *zerrors.PipelineFailure
		isTransient := errors.As(err, &transient)
		if !isTransient && errors.As(err, &pf) {
			isTransient = errors.As(pf.Err, &transient)
		}
		if !isTransient {
			return 0, err
		}
	}
	return 0, lastErr
}

func backoff(policy Policy, attempt int) time.Duration {
	d := policy.backoffBase() * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > policy.backoffMax() {
		d = policy.backoffMax()
	}
	return d
}

func (d *Driver) executeStep(ctx context.Context, srcDataset, dstDataset string, step planner.SendStep, policy Policy) (uint64, error) {
	sendArgv := buildSendArgv(d.Catalog, srcDataset, step, policy)
	recvArgv := buildRecvArgv(d.Catalog, dstDataset, policy)

	res, err := d.Pipeline.Run(ctx, srcDatasetEndpoint, sendArgv, dstDatasetEndpoint, recvArgv, estimatedBytes(step), policy.DryRunSend)
	if err != nil {
		return res.BytesSent, err
	}
	return res.BytesSent, nil
}

func estimatedBytes(step planner.SendStep) int64 {
	// No size-estimation RPC exists in this surface; treat every step as
	// large enough to clear the minimum-payload threshold by default, which
	// errs towards enabling compression/metering rather than skipping them.
	return math.MaxInt32
}
