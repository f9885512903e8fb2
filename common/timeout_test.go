package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutSettings(t *testing.T) {
	t.Parallel()

	t.Run("TimeoutSettings.NewTimeoutSettings", func(t *testing.T) {
		t.Parallel()

		t.Run("should work", testTimeoutSettingsNewTimeoutSettings)
		t.Run("should work with parent", testTimeoutSettingsNewTimeoutSettingsWithParent)
	})
	t.Run("TimeoutSettings.SetDefaultTimeout", func(t *testing.T) {
		t.Parallel()

		t.Run("should work", testTimeoutSettingsSetDefaultTimeout)
	})
	t.Run("TimeoutSettings.Timeout", func(t *testing.T) {
		t.Parallel()

		t.Run("should work", testTimeoutSettingsTimeout)
		t.Run("should work with parent", testTimeoutSettingsTimeoutWithParent)
	})
}

func testTimeoutSettingsNewTimeoutSettings(t *testing.T) {
	t.Parallel()

	ts := NewTimeoutSettings(nil)
	assert.Nil(t, ts.parent)
	assert.Nil(t, ts.defaultTimeout)
}

func testTimeoutSettingsNewTimeoutSettingsWithParent(t *testing.T) {
	t.Parallel()

	ts := NewTimeoutSettings(nil)
	tsWithParent := NewTimeoutSettings(ts)
	assert.Equal(t, ts, tsWithParent.parent)
	assert.Nil(t, tsWithParent.defaultTimeout)
}

func testTimeoutSettingsSetDefaultTimeout(t *testing.T) {
	t.Parallel()

	ts := NewTimeoutSettings(nil)
	ts.SetDefaultTimeout(time.Duration(100) * time.Millisecond)
	assert.Equal(t, int64(100), ts.defaultTimeout.Milliseconds())
}

func testTimeoutSettingsTimeout(t *testing.T) {
	t.Parallel()

	ts := NewTimeoutSettings(nil)
	assert.Equal(t, DefaultTimeout, ts.Timeout())
	ts.SetDefaultTimeout(time.Duration(200) * time.Millisecond)
	assert.Equal(t, int64(200), ts.Timeout().Milliseconds())
}

func testTimeoutSettingsTimeoutWithParent(t *testing.T) {
	t.Parallel()

	tsRoot := NewTimeoutSettings(nil)
	ts := NewTimeoutSettings(tsRoot)
	assert.Equal(t, DefaultTimeout, ts.Timeout())

	tsRoot.SetDefaultTimeout(time.Duration(1000) * time.Millisecond)
	assert.Equal(t, int64(1000), ts.Timeout().Milliseconds())

	ts.SetDefaultTimeout(time.Duration(500) * time.Millisecond)
	assert.Equal(t, int64(500), ts.Timeout().Milliseconds())
	assert.Equal(t, int64(1000), tsRoot.Timeout().Milliseconds())
}
