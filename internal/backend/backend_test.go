package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nakashireyumi/neuro-relay/internal/intermediary"
	"github.com/Nakashireyumi/neuro-relay/internal/protocol"
)

func TestCalculateBackoffFormula(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{6, 64 * time.Second},
		{7, 64 * time.Second}, // capped exponent at 6
		{20, 64 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, calculateBackoff(c.attempt), "attempt=%d", c.attempt)
	}
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	b, err := intermediary.New(intermediary.Config{
		Host:      "127.0.0.1",
		Port:      0,
		AuthToken: "tok",
		QueuePath: filepath.Join(t.TempDir(), "q.bin"),
	}, nopLogger())
	require.NoError(t, err)

	return New(Config{UpstreamURL: "ws://unused.invalid"}, b, nopLogger(), nil)
}

func TestChooseForceActionTimeoutFallsBackToFirstAction(t *testing.T) {
	a := newTestAdapter(t)

	start := time.Now()
	name, data, err := a.ChooseForceAction(context.Background(), "game", "state", "query", false, []protocol.SimpleAction{
		{Name: "A"}, {Name: "B"},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "A", name)
	assert.Equal(t, "{}", data)
	assert.GreaterOrEqual(t, elapsed, forcedActionTimeout)
}

func TestChooseForceActionEmptyListReturnsSentinel(t *testing.T) {
	a := newTestAdapter(t)

	name, data, err := a.ChooseForceAction(context.Background(), "game", "state", "query", false, nil)

	require.NoError(t, err)
	assert.Equal(t, "", name)
	assert.Equal(t, "{}", data)
}

func TestChooseForceActionFirstReplyWins(t *testing.T) {
	a := newTestAdapter(t)

	resultCh := make(chan struct {
		name string
		data string
	}, 1)

	go func() {
		name, data, _ := a.ChooseForceAction(context.Background(), "game", "state", "query", false, []protocol.SimpleAction{
			{Name: "A"}, {Name: "B"},
		})
		resultCh <- struct {
			name string
			data string
		}{name, data}
	}()

	// Give ChooseForceAction time to register its pending request.
	time.Sleep(20 * time.Millisecond)

	// Discover the live request ID by broadcasting is internal; instead,
	// resolveChoice is exercised via Forward with the oldest-request fallback
	// since the test only has one outstanding request.
	firstData, _ := json.Marshal(map[string]int{"k": 1})
	choicePayload, _ := json.Marshal(protocol.ChoicePayload{Choice: protocol.Choice{Selected: "B", Data: firstData}})
	_, err := a.Forward(context.Background(), protocol.ForwardRequest{FromIntegration: "alpha", Payload: choicePayload})
	require.NoError(t, err)

	secondPayload, _ := json.Marshal(protocol.ChoicePayload{Choice: protocol.Choice{Selected: "A"}})
	_, err = a.Forward(context.Background(), protocol.ForwardRequest{FromIntegration: "gamma", Payload: secondPayload})
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		assert.Equal(t, "B", res.name)
		assert.JSONEq(t, `{"k":1}`, res.data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choose_force_action result")
	}
}

func TestConcurrentForcedActionsAreIndependent(t *testing.T) {
	a := newTestAdapter(t)

	type result struct {
		name string
		data string
	}
	firstCh := make(chan result, 1)
	secondCh := make(chan result, 1)

	go func() {
		name, data, _ := a.ChooseForceAction(context.Background(), "g", "s", "q", false, []protocol.SimpleAction{{Name: "first-fallback"}})
		firstCh <- result{name, data}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		name, data, _ := a.ChooseForceAction(context.Background(), "g", "s", "q", false, []protocol.SimpleAction{{Name: "second-fallback"}})
		secondCh <- result{name, data}
	}()
	time.Sleep(10 * time.Millisecond)

	// Request IDs are internal, so resolve only the first request through an
	// ID-less reply (which targets the oldest outstanding request), and
	// confirm the second one still falls back independently after its own
	// deadline.
	choicePayload, _ := json.Marshal(protocol.ChoicePayload{Choice: protocol.Choice{Selected: "resolved-first"}})
	_, err := a.Forward(context.Background(), protocol.ForwardRequest{Payload: choicePayload})
	require.NoError(t, err)

	first := <-firstCh
	assert.Equal(t, "resolved-first", first.name)

	second := <-secondCh
	assert.Equal(t, "second-fallback", second.name, "unresolved request must fall back independently, not interleave with the resolved one")
}
