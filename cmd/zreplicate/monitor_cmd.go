package main

import (
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/spf13/cobra"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/monitor"
)

// newMonitorCmd builds the supplemental "zreplicate monitor" subcommand
// (SPEC_FULL.md §6), grounded on the teacher's client/monitor package: a
// read-only freshness check of the destination's latest snapshot.
func newMonitorCmd() *cobra.Command {
	var dataset, prefix, zfsProgram string
	var warning, critical time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Check destination snapshot freshness and emit a Nagios-style result",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := monitoringplugin.NewResponse("zreplicate monitor")
			defer resp.OutputAndExit()

			exec := executor.New(executor.EndpointConfig{}, executor.EndpointConfig{}, executor.EndpointConfig{})
			zfsBin := func(executor.Endpoint) string { return zfsProgram }
			cat := catalog.New(exec, zfsBin, zfsBin)

			check := monitor.New(cat, resp).
				WithDataset(dataset).
				WithPrefix(prefix).
				WithThresholds(warning, critical)
			return check.Run(cmd.Context())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&dataset, "dataset", "", "destination dataset path to check")
	fs.StringVar(&prefix, "prefix", "", "snapshot tag prefix to consider")
	fs.DurationVar(&warning, "warning", 0, "warning age threshold")
	fs.DurationVar(&critical, "critical", 0, "critical age threshold")
	fs.StringVar(&zfsProgram, "zfs-program", "zfs", "zfs(8) binary")
	cmd.MarkFlagRequired("dataset")
	cmd.MarkFlagRequired("critical")

	return cmd
}
