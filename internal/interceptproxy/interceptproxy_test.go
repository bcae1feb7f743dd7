package interceptproxy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu        sync.Mutex
	broadcast []any
}

func (f *fakeLink) Broadcast(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, payload)
	return nil
}

func (f *fakeLink) Close() error { return nil }

func newTestProxy(t *testing.T, link IntermediaryLink) *Proxy {
	t.Helper()
	p := New(Config{
		MatchCommands:   []string{"startup", "actions/register", "context"},
		IntegrationName: "intercept-proxy",
	}, nil, func(ctx context.Context, addr, name, token string) (IntermediaryLink, error) {
		return link, nil
	})
	p.setLink(link)
	return p
}

func TestObserveFirstCommandMatches(t *testing.T) {
	link := &fakeLink{}
	p := newTestProxy(t, link)

	p.observeFirstCommand([]byte(`{"command":"startup","data":{"game":"demo"}}`), "127.0.0.1:1111")

	require.Len(t, link.broadcast, 1)
	payload, ok := link.broadcast[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "integration_connected", payload["event"])
	assert.Equal(t, "intercept-proxy", payload["via"])

	details, ok := payload["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "startup", details["first_command"])
}

func TestObserveFirstCommandIgnoresUnmatchedCommand(t *testing.T) {
	link := &fakeLink{}
	p := newTestProxy(t, link)

	p.observeFirstCommand([]byte(`{"command":"action/result"}`), "127.0.0.1:1111")

	assert.Empty(t, link.broadcast)
}

func TestObserveFirstCommandIgnoresNonJSON(t *testing.T) {
	link := &fakeLink{}
	p := newTestProxy(t, link)

	p.observeFirstCommand([]byte(`not json`), "127.0.0.1:1111")

	assert.Empty(t, link.broadcast)
}

func TestBroadcastDropsLinkOnError(t *testing.T) {
	p := New(Config{}, nil, nil)
	p.setLink(&failingLink{})

	p.broadcast(map[string]string{"event": "x"})

	assert.Nil(t, p.currentLink())
}

type failingLink struct{}

func (failingLink) Broadcast(any) error { return assertErr }
func (failingLink) Close() error        { return nil }

var assertErr = &staticErr{"boom"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
