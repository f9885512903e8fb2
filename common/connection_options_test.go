package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-channel/lib/types"
	"github.com/grafana/xk6-channel/transport"
)

func TestGetConsolidatedOptions(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		opts, err := GetConsolidatedOptions(nil, nil)
		require.NoError(t, err)
		assert.False(t, opts.Timeout.Valid)
		assert.Equal(t, DefaultTimeout, opts.timeout())
		assert.Equal(t, time.Duration(0), opts.SlowMo.TimeDuration())
		assert.False(t, opts.Debug.Bool)
		assert.Nil(t, opts.PipeOptions())
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()

		opts, err := GetConsolidatedOptions([]byte(`{"timeout":"10s","slowMo":"250ms","debug":true}`), nil)
		require.NoError(t, err)
		assert.Equal(t, types.NullDurationFrom(10*time.Second), opts.Timeout)
		assert.Equal(t, 250*time.Millisecond, opts.SlowMo.TimeDuration())
		assert.Equal(t, null.BoolFrom(true), opts.Debug)
	})

	t.Run("env overrides json", func(t *testing.T) {
		t.Parallel()

		env := map[string]string{
			"K6_BROWSER_TIMEOUT":             "5s",
			"K6_BROWSER_SLOWMO":              "100ms",
			"K6_BROWSER_DEBUG":               "true",
			"K6_BROWSER_LOG_CATEGORY_FILTER": "^connection",
			"K6_BROWSER_MAX_FRAME_SIZE":      "1024",
		}
		opts, err := GetConsolidatedOptions([]byte(`{"timeout":"10s"}`), env)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, opts.timeout())
		assert.Equal(t, 100*time.Millisecond, opts.SlowMo.TimeDuration())
		assert.True(t, opts.Debug.Bool)
		assert.Equal(t, null.StringFrom("^connection"), opts.LogCategoryFilter)
		assert.Equal(t, null.IntFrom(1024), opts.MaxFrameSize)
		assert.Len(t, opts.PipeOptions(), 1)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		for _, env := range []map[string]string{
			{"K6_BROWSER_TIMEOUT": "soon"},
			{"K6_BROWSER_SLOWMO": "-1s"},
			{"K6_BROWSER_MAX_FRAME_SIZE": "0"},
			{"K6_BROWSER_DEBUG": "maybe"},
		} {
			_, err := GetConsolidatedOptions(nil, env)
			assert.Error(t, err, "%v", env)
		}

		_, err := GetConsolidatedOptions([]byte(`{"timeout":`), nil)
		assert.Error(t, err)
	})
}

func TestConnectionOptionsApply(t *testing.T) {
	t.Parallel()

	base := NewConnectionOptions()
	base.Timeout = types.NullDurationFrom(time.Second)

	merged := base.Apply(ConnectionOptions{SlowMo: types.NullDurationFrom(time.Millisecond)})
	assert.Equal(t, types.NullDurationFrom(time.Second), merged.Timeout)
	assert.Equal(t, types.NullDurationFrom(time.Millisecond), merged.SlowMo)
	assert.Equal(t, int64(transport.DefaultMaxFrameSize), merged.MaxFrameSize.Int64)
}

func TestConnectionOptionsLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetLevel(logrus.InfoLevel)

	opts := NewConnectionOptions()
	opts.LogCategoryFilter = null.StringFrom("^waiter$")
	opts.Debug = null.BoolFrom(true)

	logger, err := opts.Logger(base)
	require.NoError(t, err)
	logger.Debugf("connection", "filtered out")
	logger.Debugf("waiter", "let through")

	assert.NotContains(t, buf.String(), "filtered out")
	assert.Contains(t, buf.String(), "let through")

	opts.LogCategoryFilter = null.StringFrom("(")
	_, err = opts.Logger(base)
	require.Error(t, err)
}

func TestConnectionSlowMo(t *testing.T) {
	t.Parallel()

	opts := NewConnectionOptions()
	opts.SlowMo = types.NullDurationFrom(20 * time.Millisecond)
	d := newTestDriver(t, nil, WithOptions(opts))

	start := time.Now()
	d.conn.Root().Go("initialize", nil)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	d.request()
}
