package driver

import (
	"fmt"
	"strings"

	"github.com/ondisk/zreplicate/internal/catalog"
	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/planner"
)

const (
	srcDatasetEndpoint = executor.SRC
	dstDatasetEndpoint = executor.DST
)

func poolOf(dataset string) string {
	if i := strings.IndexByte(dataset, '/'); i >= 0 {
		return dataset[:i]
	}
	return dataset
}

func buildSendArgv(c *catalog.Catalog, srcDataset string, step planner.SendStep, policy Policy) []string {
	argv := []string{c.ZFSBin(srcDatasetEndpoint), "send"}
	argv = append(argv, policy.ZFSSendOpts...)

	switch step.Kind {
	case planner.FULL:
		argv = append(argv, fmt.Sprintf("%s@%s", srcDataset, step.To.Tag))
	case planner.INCREMENTAL_INCLUSIVE:
		argv = append(argv, "-I", fromArg(srcDataset, step.From), fmt.Sprintf("%s@%s", srcDataset, step.To.Tag))
	case planner.INCREMENTAL_EXCLUSIVE:
		argv = append(argv, "-i", fromArg(srcDataset, step.From), fmt.Sprintf("%s@%s", srcDataset, step.To.Tag))
	}
	return argv
}

func fromArg(dataset string, from planner.Mark) string {
	if from.IsBookmark {
		return fmt.Sprintf("%s#%s", dataset, from.Tag)
	}
	return fmt.Sprintf("%s@%s", dataset, from.Tag)
}

func buildRecvArgv(c *catalog.Catalog, dstDataset string, policy Policy) []string {
	argv := []string{c.ZFSBin(dstDatasetEndpoint), "receive"}
	argv = append(argv, policy.ZFSRecvOpts...)
	if policy.DryRunRecv {
		argv = append(argv, "-n")
	}
	argv = append(argv, dstDataset)
	return argv
}
