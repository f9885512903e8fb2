package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseEventEmitter(t *testing.T) {
	t.Parallel()

	t.Run("on and off", func(t *testing.T) {
		t.Parallel()

		var emitter BaseEventEmitter
		var got []string
		id1 := emitter.On("load", func(ev *Event) { got = append(got, "one "+ev.Name) })
		id2 := emitter.On("load", func(ev *Event) { got = append(got, "two "+ev.Name) })
		emitter.On("close", func(ev *Event) { got = append(got, "three "+ev.Name) })
		assert.NotEqual(t, id1, id2)
		assert.Equal(t, 2, emitter.ListenerCount("load"))

		emitter.emit(&Event{Name: "load"})
		assert.Equal(t, []string{"one load", "two load"}, got)

		got = nil
		emitter.Off("load", id1)
		emitter.Off("load", id1)
		emitter.Off("missing", id2)
		emitter.emit(&Event{Name: "load"})
		assert.Equal(t, []string{"two load"}, got)

		emitter.Off("load", id2)
		assert.Zero(t, emitter.ListenerCount("load"))
		assert.Equal(t, 1, emitter.ListenerCount("close"))
	})

	t.Run("remove all", func(t *testing.T) {
		t.Parallel()

		var emitter BaseEventEmitter
		called := false
		emitter.On("load", func(*Event) { called = true })
		emitter.removeAllListeners()
		emitter.emit(&Event{Name: "load"})
		assert.False(t, called)

		emitter.On("load", func(*Event) { called = true })
		emitter.emit(&Event{Name: "load"})
		assert.True(t, called)
	})

	t.Run("event decode", func(t *testing.T) {
		t.Parallel()

		var v struct {
			URL string `json:"url"`
		}
		ev := &Event{Name: "load", Raw: []byte(`{"url":"about:blank"}`)}
		assert.NoError(t, ev.Decode(&v))
		assert.Equal(t, "about:blank", v.URL)
		assert.NoError(t, (&Event{}).Decode(&v))
	})
}
