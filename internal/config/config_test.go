package config_test

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondisk/zreplicate/internal/config"
)

func buildCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{Use: "zreplicate"}
	config.RegisterFlags(cmd, cfg)
	return cmd
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg := &config.Config{Pairs: []config.Pair{{Src: "tank/src", Dst: "tank/dst"}}}
	require.NoError(t, config.Load(cfg))

	assert.Equal(t, config.SkipMissingSnapshotsFail, cfg.SkipMissingSnapshots)
	assert.Equal(t, config.SkipOnErrorFail, cfg.SkipOnError)
	assert.Equal(t, "ssh", cfg.SSHProgram)
	assert.Equal(t, "zfs", cfg.ZFSProgram)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.EqualValues(t, 1048576, cfg.MinPayloadBytes)
}

func TestLoad_RejectsNoPairs(t *testing.T) {
	cfg := &config.Config{}
	assert.Error(t, config.Load(cfg))
}

func TestLoad_RejectsQuietWithVerbose(t *testing.T) {
	cfg := &config.Config{
		Pairs:   []config.Pair{{Src: "tank/src", Dst: "tank/dst"}},
		Quiet:   true,
		Verbose: 1,
	}
	assert.Error(t, config.Load(cfg))
}

func TestLoad_RejectsInvalidSkipOnError(t *testing.T) {
	cfg := &config.Config{
		Pairs:       []config.Pair{{Src: "tank/src", Dst: "tank/dst"}},
		SkipOnError: "bogus",
	}
	assert.Error(t, config.Load(cfg))
}

func TestEnumValue_RejectsFlagSetOutsideAllowedList(t *testing.T) {
	cfg := &config.Config{}
	cmd := buildCmd(cfg)
	err := cmd.ParseFlags([]string{"--skip-on-error=bogus"})
	assert.Error(t, err)
}

func TestEnumValue_AcceptsFlagSetWithinAllowedList(t *testing.T) {
	cfg := &config.Config{}
	cmd := buildCmd(cfg)
	require.NoError(t, cmd.ParseFlags([]string{"--skip-on-error=tree"}))
	assert.Equal(t, config.SkipOnErrorTree, cfg.SkipOnError)
}

func TestParsePairs_EvenArgsBecomePairs(t *testing.T) {
	pairs, err := config.ParsePairs([]string{"tank/src", "tank/dst"})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "tank/src", pairs[0].Src)
	assert.Equal(t, "tank/dst", pairs[0].Dst)
}

func TestParsePairs_OddArgsRejected(t *testing.T) {
	_, err := config.ParsePairs([]string{"tank/src"})
	assert.Error(t, err)
}

func TestParsePairs_MultiplePairs(t *testing.T) {
	pairs, err := config.ParsePairs([]string{"a", "b", "c", "d"})
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, config.Pair{Src: "a", Dst: "b"}, pairs[0])
	assert.Equal(t, config.Pair{Src: "c", Dst: "d"}, pairs[1])
}

func TestParsePairs_FileReferenceSkipsCommentsAndBlankLines(t *testing.T) {
	path := t.TempDir() + "/pairs.tsv"
	content := "# comment\n\ntank/a\ttank/a-dst\n  \ntank/b\ttank/b-dst\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	pairs, err := config.ParsePairs([]string{"+" + path})
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, config.Pair{Src: "tank/a", Dst: "tank/a-dst"}, pairs[0])
	assert.Equal(t, config.Pair{Src: "tank/b", Dst: "tank/b-dst"}, pairs[1])
}
