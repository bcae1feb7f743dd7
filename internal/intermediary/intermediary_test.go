package intermediary

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Nakashireyumi/neuro-relay/internal/protocol"
)

const testToken = "test-token"

func newTestBroker(t *testing.T) (*Broker, *httptest.Server) {
	t.Helper()

	b, err := New(Config{
		Host:      "127.0.0.1",
		Port:      0,
		AuthToken: testToken,
		QueuePath: filepath.Join(t.TempDir(), "queue.bin"),
	}, slog.New(slog.NewTextHandler(nopWriter{}, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(b.handleConnection))
	t.Cleanup(srv.Close)
	return b, srv
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, kind protocol.PeerKind, name, token string) {
	t.Helper()
	reg := protocol.Registration{Type: kind, Name: name, AuthToken: token}
	raw, _ := json.Marshal(reg)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestHappyPathFanOut(t *testing.T) {
	_, srv := newTestBroker(t)
	url := wsURL(srv.URL)

	watcher := dial(t, url)
	register(t, watcher, protocol.PeerNeuroOS, "ops", testToken)

	// drain the neuroos_connected notification before the real assertion.
	_, _, err := watcher.ReadMessage()
	require.NoError(t, err)

	integration := dial(t, url)
	register(t, integration, protocol.PeerIntegration, "alpha", testToken)

	// drain the integration_connected notification sent to the watcher.
	_, raw, err := watcher.ReadMessage()
	require.NoError(t, err)
	var connNotif protocol.IntegrationConnected
	require.NoError(t, json.Unmarshal(raw, &connNotif))
	require.Equal(t, "integration_connected", connNotif.Event)

	require.NoError(t, integration.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`)))

	_, raw, err = watcher.ReadMessage()
	require.NoError(t, err)

	var msg protocol.IntegrationMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "integration_message", msg.Event)
	require.Equal(t, "alpha", msg.From)
	require.JSONEq(t, `{"hello":1}`, string(msg.Payload))
}

func TestWrongTokenClosesSocket(t *testing.T) {
	_, srv := newTestBroker(t)
	conn := dial(t, wsURL(srv.URL))

	register(t, conn, protocol.PeerIntegration, "alpha", "wrong-token")

	// The broker answers with an error reply, then closes the socket.
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var errReply protocol.ErrorReply
	require.NoError(t, json.Unmarshal(raw, &errReply))
	require.Equal(t, "invalid auth token", errReply.Error)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestWatcherCommandToUnknownTargetIsNoOp(t *testing.T) {
	_, srv := newTestBroker(t)
	url := wsURL(srv.URL)

	watcher := dial(t, url)
	register(t, watcher, protocol.PeerNeuroOS, "ops", testToken)
	_, _, err := watcher.ReadMessage()
	require.NoError(t, err)

	cmd, _ := json.Marshal(protocol.WatcherCommand{Target: "beta", Cmd: json.RawMessage(`{"action":"ping"}`)})
	require.NoError(t, watcher.WriteMessage(websocket.TextMessage, cmd))

	_, raw, err := watcher.ReadMessage()
	require.NoError(t, err)
	var errReply protocol.ErrorReply
	require.NoError(t, json.Unmarshal(raw, &errReply))
	require.Equal(t, "invalid target/cmd", errReply.Error)
}

func TestSendToIntegrationQueuesWhenDisconnected(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.SendToIntegration("beta", map[string]int{"x": 1}))
	require.Equal(t, 1, b.QueueDepth())
}

// TestDrainOnceSkipsPersistentlyDisconnectedHead verifies the drain does not
// head-of-line-block: a deliverable entry queued behind a still-disconnected
// one must still be delivered within a single drain tick.
func TestDrainOnceSkipsPersistentlyDisconnectedHead(t *testing.T) {
	b, srv := newTestBroker(t)
	url := wsURL(srv.URL)

	require.NoError(t, b.SendToIntegration("beta", map[string]int{"x": 1}))
	require.NoError(t, b.SendToIntegration("alpha", map[string]int{"y": 2}))
	require.Equal(t, 2, b.QueueDepth())

	integration := dial(t, url)
	register(t, integration, protocol.PeerIntegration, "alpha", testToken)

	b.drainOnce()

	_, raw, err := integration.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"y":2}`, string(raw))

	// "beta" never connected, so it must remain in the queue; "alpha" drained.
	require.Equal(t, 1, b.QueueDepth())
}

func TestBinaryFrameZeroSizeEmitsNotification(t *testing.T) {
	_, srv := newTestBroker(t)
	url := wsURL(srv.URL)

	watcher := dial(t, url)
	register(t, watcher, protocol.PeerNeuroOS, "ops", testToken)
	_, _, err := watcher.ReadMessage()
	require.NoError(t, err)

	integration := dial(t, url)
	register(t, integration, protocol.PeerIntegration, "alpha", testToken)
	_, _, err = watcher.ReadMessage() // integration_connected
	require.NoError(t, err)

	require.NoError(t, integration.WriteMessage(websocket.BinaryMessage, []byte{}))

	_, raw, err := watcher.ReadMessage()
	require.NoError(t, err)
	var notif protocol.BinaryReceived
	require.NoError(t, json.Unmarshal(raw, &notif))
	require.Equal(t, 0, notif.Size)
	require.Equal(t, "alpha", notif.From)
}

type fakeForwarder struct {
	calls []protocol.ForwardRequest
}

func (f *fakeForwarder) Forward(_ context.Context, req protocol.ForwardRequest) (any, error) {
	f.calls = append(f.calls, req)
	return map[string]bool{"accepted": true}, nil
}

func TestForwarderReceivesPayloadAndRepliesResult(t *testing.T) {
	b, srv := newTestBroker(t)
	fw := &fakeForwarder{}
	b.SetForwarder(fw)

	integration := dial(t, wsURL(srv.URL))
	register(t, integration, protocol.PeerIntegration, "alpha", testToken)

	require.NoError(t, integration.WriteMessage(websocket.TextMessage, []byte(`{"action":"jump"}`)))

	_, raw, err := integration.ReadMessage()
	require.NoError(t, err)
	var reply protocol.ResultReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.NotNil(t, reply.Result)

	require.Len(t, fw.calls, 1)
	require.Equal(t, "alpha", fw.calls[0].FromIntegration)
}
