package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

func TestRun_LocalSuccess(t *testing.T) {
	e := executor.New(executor.EndpointConfig{}, executor.EndpointConfig{}, executor.EndpointConfig{})
	res, err := e.Run(context.Background(), executor.LOCAL, []string{"echo", "hi"}, executor.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(res.Stdout))
}

func TestRun_NonZeroExitIsCommandFailure(t *testing.T) {
	e := executor.New(executor.EndpointConfig{}, executor.EndpointConfig{}, executor.EndpointConfig{})
	_, err := e.Run(context.Background(), executor.LOCAL, []string{"sh", "-c", "exit 7"}, executor.RunOptions{})
	require.Error(t, err)
	var cf *zerrors.CommandFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, 7, cf.Status)
}

func TestRun_RejectsShellMetacharacters(t *testing.T) {
	e := executor.New(executor.EndpointConfig{}, executor.EndpointConfig{}, executor.EndpointConfig{})
	_, err := e.Run(context.Background(), executor.LOCAL, []string{"echo", "a;rm -rf /"}, executor.RunOptions{})
	require.Error(t, err)
	var ia *zerrors.InvalidArgument
	require.ErrorAs(t, err, &ia)
}

func TestRun_AllowAllBypassesValidation(t *testing.T) {
	e := executor.New(executor.EndpointConfig{}, executor.EndpointConfig{}, executor.EndpointConfig{})
	res, err := e.Run(context.Background(), executor.LOCAL, []string{"echo", "a;b"}, executor.RunOptions{AllowAll: true})
	require.NoError(t, err)
	assert.Equal(t, "a;b\n", string(res.Stdout))
}

func TestSplitArgv(t *testing.T) {
	fixed := []string{"zfs", "destroy"}
	variable := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		variable = append(variable, "tank/dataset-with-a-long-name-00"+string(rune('a'+i%26)))
	}
	batches := executor.SplitArgv(fixed, variable, 200)
	require.NotEmpty(t, batches)
	seen := 0
	for _, b := range batches {
		assert.Equal(t, fixed, b[:len(fixed)])
		seen += len(b) - len(fixed)
		length := 0
		for _, a := range b {
			length += len(a) + 1
		}
		assert.LessOrEqual(t, length-(len(b[len(b)-1])+1), 200)
	}
	assert.Equal(t, len(variable), seen)
}

func TestSplitArgv_SingleOversizedElementGetsOwnBatch(t *testing.T) {
	batches := executor.SplitArgv([]string{"zfs"}, []string{"tank/very-long-name"}, 5)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"zfs", "tank/very-long-name"}, batches[0])
}
