package logging_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondisk/zreplicate/internal/logging"
)

func TestNew_QuietRaisesLevelToError(t *testing.T) {
	log, err := logging.New(logging.Options{Quiet: true})
	require.NoError(t, err)
	assert.False(t, log.Enabled(nil, slog.LevelInfo)) //nolint:staticcheck // nil context ok for Enabled
	assert.True(t, log.Enabled(nil, slog.LevelError))
}

func TestNew_VerboseLowersLevelToDebug(t *testing.T) {
	log, err := logging.New(logging.Options{Verbose: 1})
	require.NoError(t, err)
	assert.True(t, log.Enabled(nil, slog.LevelDebug))
}

func TestNew_DefaultLevelIsInfo(t *testing.T) {
	log, err := logging.New(logging.Options{})
	require.NoError(t, err)
	assert.True(t, log.Enabled(nil, slog.LevelInfo))
	assert.False(t, log.Enabled(nil, slog.LevelDebug))
}

func TestNew_RejectsUnwritableFileSink(t *testing.T) {
	_, err := logging.New(logging.Options{FilePath: "/nonexistent-dir/zreplicate.log"})
	assert.Error(t, err)
}

func TestWithSubsystemAndWithError(t *testing.T) {
	log, err := logging.New(logging.Options{})
	require.NoError(t, err)

	sub := logging.WithSubsystem(log, "driver")
	assert.NotNil(t, sub)

	tagged := logging.WithError(log, assertErr{})
	assert.NotNil(t, tagged)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
