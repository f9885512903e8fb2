package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	lg, hook := logtest.NewNullLogger()
	lg.SetLevel(logrus.DebugLevel)
	logger, err := NewWithFilter(lg, false, "^connection")
	require.NoError(t, err)

	logger.Debugf("connection", "sent %d", 1)
	logger.Debugf("transport:recv", "dropped")
	logger.Debugf("connection:dispatch", "event %s", "load")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "sent 1", entries[0].Message)
	assert.Equal(t, "connection", entries[0].Data["category"])
	assert.Equal(t, "connection:dispatch", entries[1].Data["category"])
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	lg, hook := logtest.NewNullLogger()
	logger := New(lg, false, nil)
	require.NoError(t, logger.SetLevel("warn"))

	logger.Debugf("waiter", "ignored")
	logger.Warnf("waiter", "kept")

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.False(t, logger.DebugMode())

	require.Error(t, logger.SetLevel("loud"))
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	lg, hook := logtest.NewNullLogger()
	lg.SetLevel(logrus.InfoLevel)
	logger := New(lg, true, nil)

	logger.Debugf("connection", "forced")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "forced", hook.LastEntry().Message)
}

func TestLoggerNil(t *testing.T) {
	t.Parallel()

	var logger *Logger
	assert.NotPanics(t, func() { logger.Errorf("connection", "nothing") })
	assert.False(t, logger.DebugMode())
}

func TestNewWithFilterInvalid(t *testing.T) {
	t.Parallel()

	_, err := NewWithFilter(logrus.New(), false, "([")
	require.Error(t, err)
}
