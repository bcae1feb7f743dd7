package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent    []any
	failing bool
	closed  bool
}

func (f *fakeSender) Send(payload any) error {
	if f.failing {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func TestRegisterIntegrationReplacesPrior(t *testing.T) {
	r := New()
	first := &fakeSender{}
	second := &fakeSender{}

	prev := r.RegisterIntegration("alpha", first)
	assert.Nil(t, prev)

	prev = r.RegisterIntegration("alpha", second)
	require.NotNil(t, prev)
	assert.Same(t, first, prev.Send)

	rec, ok := r.Integration("alpha")
	require.True(t, ok)
	assert.Same(t, second, rec.Send)
}

func TestRemoveIntegrationOnlyMatchingHandle(t *testing.T) {
	r := New()
	first := &fakeSender{}
	second := &fakeSender{}

	r.RegisterIntegration("alpha", first)
	r.RegisterIntegration("alpha", second)

	// Stale cleanup referencing the replaced handle must not remove the new one.
	removed := r.RemoveIntegration("alpha", first)
	assert.False(t, removed)

	_, ok := r.Integration("alpha")
	assert.True(t, ok)

	removed = r.RemoveIntegration("alpha", second)
	assert.True(t, removed)

	_, ok = r.Integration("alpha")
	assert.False(t, ok)
}

func TestBroadcastRemovesFailingWatchers(t *testing.T) {
	r := New()
	good := &fakeSender{}
	bad := &fakeSender{failing: true}

	r.RegisterWatcher("ops", good)
	r.RegisterWatcher("broken", bad)

	r.Broadcast(map[string]string{"event": "ping"})

	assert.Len(t, good.sent, 1)
	watchers := r.Watchers()
	_, stillPresent := watchers["broken"]
	assert.False(t, stillPresent)
	_, present := watchers["ops"]
	assert.True(t, present)
}

func TestActionRegistrySurvivesUntilExplicitUnregister(t *testing.T) {
	r := New()
	r.RegisterAction("alpha", "jump", "jump action", nil)

	all := r.CollectAllActions()
	assert.Contains(t, all, "jump")

	// Simulated disconnect does not touch the action registry.
	r.RemoveIntegration("alpha", nil)
	all = r.CollectAllActions()
	assert.Contains(t, all, "jump")

	r.UnregisterIntegrationActions("alpha")
	all = r.CollectAllActions()
	assert.NotContains(t, all, "jump")
}

func TestRegisteringSameActionTwiceIsIdempotent(t *testing.T) {
	r := New()
	r.RegisterAction("alpha", "jump", "first", nil)
	r.RegisterAction("alpha", "jump", "second", nil)

	actions := r.ActionsByIntegration("alpha")
	require.Len(t, actions, 1)
	assert.Equal(t, "second", actions["jump"].Description)
}
