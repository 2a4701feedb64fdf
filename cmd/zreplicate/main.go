// Command zreplicate is the thin CLI front-end wiring cobra commands to
// the core config/Context, Scheduler, Replication driver and Deletion
// reconciler (spec.md §1, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/config"
	"github.com/ondisk/zreplicate/internal/driver"
	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/filter"
	"github.com/ondisk/zreplicate/internal/logconfig"
	"github.com/ondisk/zreplicate/internal/logging"
	"github.com/ondisk/zreplicate/internal/pipeline"
	"github.com/ondisk/zreplicate/internal/reconciler"
	"github.com/ondisk/zreplicate/internal/scheduler"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := &config.Config{}
	cmd := newRootCmd(cfg)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return 0
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "zreplicate [flags] src dst [src dst ...]",
		Short:         "Plan and drive ZFS snapshot replication between two datasets or trees",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := config.ParsePairs(args)
			if err != nil {
				return &zerrors.UsageError{Msg: err.Error()}
			}
			cfg.Pairs = pairs
			if err := config.Load(cfg); err != nil {
				return &zerrors.UsageError{Msg: err.Error()}
			}
			return runReplicate(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(root, cfg)
	root.AddCommand(newMonitorCmd())
	return root
}

// runReplicate wires one validated Config into the core components and
// drives every admitted (src, dst) pair per spec.md §4.9.
func runReplicate(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(logging.Options{
		Verbose:        cfg.Verbose,
		Quiet:          cfg.Quiet,
		SyslogAddress:  cfg.LogSyslogAddress,
		SyslogSockType: string(cfg.LogSyslogSockType),
		SyslogFacility: cfg.LogSyslogFacility,
		SyslogPrefix:   cfg.LogSyslogPrefix,
	})
	if err != nil {
		return err
	}
	if cfg.LogConfigFile != "" {
		if _, err := logconfig.Load(cfg.LogConfigFile, cfg.LogConfigVars); err != nil {
			return &zerrors.UsageError{Msg: err.Error()}
		}
	}

	datasetFilter, err := filter.Compile(toFilterRules(cfg.DatasetRules))
	if err != nil {
		return &zerrors.UsageError{Msg: err.Error()}
	}
	snapshotFilter, err := filter.Compile(toFilterRules(cfg.SnapshotRules))
	if err != nil {
		return &zerrors.UsageError{Msg: err.Error()}
	}

	srcCfg := executor.EndpointConfig{
		User: cfg.SSHSrc.User, Host: cfg.SSHSrc.Host, Port: cfg.SSHSrc.Port,
		IdentityFiles: cfg.SSHSrc.PrivateKeys, ConfigFile: cfg.SSHSrc.ConfigFile,
		ExtraOpts: cfg.SSHSrc.ExtraOpts, SSHProgram: cfg.SSHProgram, Cipher: cfg.SSHCipher,
		NoPrivilegeElevation: cfg.NoPrivilegeElevation, SudoProgram: cfg.SudoProgram,
	}
	dstCfg := executor.EndpointConfig{
		User: cfg.SSHDst.User, Host: cfg.SSHDst.Host, Port: cfg.SSHDst.Port,
		IdentityFiles: cfg.SSHDst.PrivateKeys, ConfigFile: cfg.SSHDst.ConfigFile,
		ExtraOpts: cfg.SSHDst.ExtraOpts, SSHProgram: cfg.SSHProgram, Cipher: cfg.SSHCipher,
		NoPrivilegeElevation: cfg.NoPrivilegeElevation, SudoProgram: cfg.SudoProgram,
	}
	controlDir, err := controlSocketDir()
	if err == nil {
		srcCfg.ControlDir, dstCfg.ControlDir = controlDir, controlDir
		_ = executor.CleanStaleSockets(controlDir)
	}
	exec := executor.New(executor.EndpointConfig{}, srcCfg, dstCfg)

	zfsBin := func(executor.Endpoint) string { return cfg.ZFSProgram }
	zpoolBin := func(executor.Endpoint) string { return cfg.ZpoolProgram }
	cat := catalog.New(exec, zfsBin, zpoolBin)

	reg := prometheus.NewRegistry()
	d := &driver.Driver{
		Catalog: cat,
		Pipeline: &pipeline.Builder{
			Exec: exec,
			Cfg: pipeline.Config{
				CompressionProgram: cfg.CompressionProgram,
				BufferProgram:      cfg.MbufferProgram,
				MeterProgram:       cfg.PVProgram,
				MinPayloadBytes:    cfg.MinPayloadBytes,
				BWLimitBytesPerSec: cfg.BWLimit,
				MeterInterval:      time.Second,
			},
			Log: log,
		},
		Metrics: driver.NewMetrics(reg),
		Log:     log,
	}

	policy := driver.Policy{
		Retries:                           cfg.Retries,
		BackoffBase:                       cfg.BackoffBase,
		BackoffMax:                        cfg.BackoffMax,
		Force:                             cfg.Force,
		ForceOnce:                         cfg.ForceOnce,
		NoCreateBookmark:                  cfg.NoCreateBookmark,
		NoUseBookmark:                     cfg.NoUseBookmark,
		ForceConvertInclusiveToExclusive:  cfg.F1,
		DryRunSend:                        cfg.DryRun == config.DryRunSend,
		DryRunRecv:                        cfg.DryRun == config.DryRunRecv,
		ZFSSendOpts:                       cfg.ZFSSendProgramOpts,
		ZFSRecvOpts:                       cfg.ZFSRecvProgramOpts,
		SkipOnError:                       driverSkipOnError(cfg.SkipOnError),
		MinPayloadBytes:                   cfg.MinPayloadBytes,
	}

	worstExit := zerrors.ExitSuccess
	runOne := func(ctx context.Context, pair scheduler.Pair) error {
		if !cfg.SkipReplication {
			res := d.RunDataset(ctx, pair.Src, pair.Dst, snapshotFilter, policy)
			if res.Err != nil {
				log.Error("replication failed", "src", pair.Src, "dst", pair.Dst, "error", res.Err)
				worstExit = maxExit(worstExit, exitCodeForErr(res.Err))
				if policy.SkipOnError == driver.SkipOnErrorFail {
					return res.Err
				}
			}
		}
		if cfg.DeleteMissingSnapshots || cfg.DeleteMissingDatasets {
			rec := &reconciler.Reconciler{Catalog: cat}
			recPolicy := reconciler.Policy{DryRun: cfg.DryRun != config.DryRunNone, SkipOnError: reconcilerSkipOnError(cfg.SkipOnError)}
			if cfg.DeleteMissingSnapshots {
				if _, err := rec.ReconcileSnapshots(ctx, pair.Src, pair.Dst, datasetFilter, recPolicy); err != nil {
					return err
				}
			}
			if cfg.DeleteMissingDatasets {
				if _, err := rec.ReconcileDatasets(ctx, pair.Src, pair.Dst, datasetFilter, recPolicy); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, p := range cfg.Pairs {
		pairs, err := scheduler.Plan(ctx, cat, p.Src, p.Dst, cfg.Recursive, cfg.SkipParent, datasetFilter)
		if err != nil {
			return err
		}
		if err := scheduler.Dispatch(ctx, pairs, cfg.Concurrency, schedulerSkipOnError(cfg.SkipOnError), runOne); err != nil {
			return err
		}
	}

	if worstExit != zerrors.ExitSuccess {
		return exitError{code: worstExit}
	}
	return nil
}

func toFilterRules(rules []config.FilterRule) []filter.Rule {
	out := make([]filter.Rule, len(rules))
	for i, r := range rules {
		out[i] = filter.Rule{Include: r.Include, Regex: r.Regex, Pattern: r.Pattern}
	}
	return out
}

func driverSkipOnError(s config.SkipOnError) driver.SkipOnError {
	switch s {
	case config.SkipOnErrorDataset:
		return driver.SkipOnErrorDataset
	case config.SkipOnErrorTree:
		return driver.SkipOnErrorTree
	default:
		return driver.SkipOnErrorFail
	}
}

func reconcilerSkipOnError(s config.SkipOnError) reconciler.SkipOnError {
	switch s {
	case config.SkipOnErrorDataset:
		return reconciler.SkipOnErrorDataset
	case config.SkipOnErrorTree:
		return reconciler.SkipOnErrorTree
	default:
		return reconciler.SkipOnErrorFail
	}
}

func schedulerSkipOnError(s config.SkipOnError) scheduler.SkipOnError {
	switch s {
	case config.SkipOnErrorDataset:
		return scheduler.SkipOnErrorDataset
	case config.SkipOnErrorTree:
		return scheduler.SkipOnErrorTree
	default:
		return scheduler.SkipOnErrorFail
	}
}

// exitError carries a binding exit code (spec.md §6) across cobra's
// RunE boundary without losing it to cobra's generic error handling.
type exitError struct{ code zerrors.ExitCode }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

// exitCoder is implemented by zerrors.UsageError, InvalidArgument,
// PreconditionFailure and DivergenceConflict.
type exitCoder interface{ ExitCode() zerrors.ExitCode }

func exitCodeForErr(err error) zerrors.ExitCode {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return zerrors.ExitDatasetsFailed
}

func exitCodeFor(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return int(ee.code)
	}
	return int(exitCodeForErr(err))
}

func maxExit(a, b zerrors.ExitCode) zerrors.ExitCode {
	if b > a {
		return b
	}
	return a
}

// controlSocketDir is where SSH multiplex control sockets live between
// invocations (spec.md §4.2, §5).
func controlSocketDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(cache, "zreplicate", "control")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
