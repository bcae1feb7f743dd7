// Package intermediary implements the central WebSocket broker: connection
// registration, message routing, watcher fan-out, and the durable
// pending-delivery queue's drain loop.
//
// Grounded on _examples/original_source/src/dev/nakurity/intermediary.py.
// The callback indirection the original installs at runtime
// (`self.on_forward_to_neuro = self._handle_intermediary_forward`) is
// replaced, per SPEC_FULL.md §9, with a Forwarder interface. New does not
// take it; it is installed through SetForwarder. The broker is not mutated
// after construction except through SetForwarder (called once, before Serve)
// and its registry.
package intermediary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nakashireyumi/neuro-relay/internal/protocol"
	"github.com/Nakashireyumi/neuro-relay/internal/queue"
	"github.com/Nakashireyumi/neuro-relay/internal/registry"
)

// drainInterval is how often the background task attempts to redeliver the
// durable queue, matching the original's `await asyncio.sleep(5)`.
const drainInterval = 5 * time.Second

// Forwarder is the narrow interface the backend adapter satisfies so the
// broker can hand it integration payloads without knowing about upstream
// WebSocket details. It replaces the original's reassignable
// `on_forward_to_neuro` callback.
type Forwarder interface {
	Forward(ctx context.Context, req protocol.ForwardRequest) (any, error)
}

// Broker is the Intermediary WebSocket server.
type Broker struct {
	host      string
	port      int
	authToken string

	upgrader websocket.Upgrader

	registry  *registry.Registry
	queue     *queue.Queue
	forwarder Forwarder

	logger *slog.Logger

	readyCh chan struct{}
}

// Config supplies the broker's bind address, auth token, and durable queue path.
type Config struct {
	Host       string
	Port       int
	AuthToken  string
	QueuePath  string
}

// New constructs a Broker with no forwarder installed. The forwarder is set
// afterwards via SetForwarder (backend.New takes the broker, so the adapter
// exists only after the broker does); until then integration payloads are
// broadcast to watchers but not forwarded.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("opening durable queue: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("restored persisted queue", "count", q.Len())

	return &Broker{
		host:      cfg.Host,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		registry:  registry.New(),
		queue:     q,
		logger:    logger,
		readyCh:   make(chan struct{}),
	}, nil
}

// SetForwarder installs the forwarder. Must be called before Serve.
func (b *Broker) SetForwarder(f Forwarder) {
	b.forwarder = f
}

// Registry exposes the broker's registry for components (the Linker, the
// backend adapter) that need to read action schemas or issue targeted sends.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Ready returns a channel closed once the listener is bound.
func (b *Broker) Ready() <-chan struct{} {
	return b.readyCh
}

// Serve binds the listener and blocks, serving connections and running the
// queue drain loop until ctx is cancelled. The only error it can return after
// startup succeeds is from http.Server shutdown machinery; a bind failure is
// returned immediately.
func (b *Broker) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleConnection)

	addr := fmt.Sprintf("%s:%d", b.host, b.port)
	server := &http.Server{Addr: addr, Handler: mux}

	ln, err := listen(addr)
	if err != nil {
		return fmt.Errorf("binding intermediary listener on %s: %w", addr, err)
	}

	go b.drainLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	close(b.readyCh)
	b.logger.Info("intermediary listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("intermediary server error: %w", err)
		}
		return nil
	}
}

func (b *Broker) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sender := &connSender{conn: conn}

	kind, name, ok := b.register(conn, sender)
	if !ok {
		conn.Close()
		return
	}

	switch kind {
	case registry.KindIntegration:
		b.serveIntegration(name, conn, sender)
	case registry.KindWatcher:
		b.serveWatcher(name, conn, sender)
	}
}

// register reads and validates the first frame. It returns the classified
// peer kind and name on success.
func (b *Broker) register(conn *websocket.Conn, sender *connSender) (registry.PeerKind, string, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", "", false
	}

	var reg protocol.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		sender.Send(protocol.ErrorReply{Error: "registration must be JSON"})
		return "", "", false
	}

	if reg.AuthToken != b.authToken {
		sender.Send(protocol.ErrorReply{Error: "invalid auth token"})
		return "", "", false
	}

	switch reg.Type {
	case protocol.PeerIntegration:
		prev := b.registry.RegisterIntegration(reg.Name, sender)
		if prev != nil {
			prev.Send.Close()
		}
		b.registry.Broadcast(protocol.IntegrationConnected{Event: "integration_connected", Name: reg.Name})
		b.logger.Info("integration registered", "name", reg.Name)
		return registry.KindIntegration, reg.Name, true
	case protocol.PeerNeuroOS:
		prev := b.registry.RegisterWatcher(reg.Name, sender)
		if prev != nil {
			prev.Send.Close()
		}
		b.registry.Broadcast(protocol.NeuroOSConnected{Event: "neuroos_connected", Name: reg.Name})
		b.logger.Info("watcher registered", "name", reg.Name)
		return registry.KindWatcher, reg.Name, true
	default:
		sender.Send(protocol.ErrorReply{Error: "unknown registration type"})
		return "", "", false
	}
}

func (b *Broker) serveIntegration(name string, conn *websocket.Conn, sender *connSender) {
	defer func() {
		if b.registry.RemoveIntegration(name, sender) {
			b.registry.Broadcast(protocol.IntegrationDisconnected{Event: "integration_disconnected", Name: name})
			b.logger.Info("integration disconnected", "name", name)
		}
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			b.handleBinaryFrame(name, raw)
			continue
		}

		b.handleIntegrationText(name, raw, sender)
	}
}

func (b *Broker) handleBinaryFrame(name string, raw []byte) {
	filename := fmt.Sprintf("upload_%s.bin", name)
	if err := os.WriteFile(filename, raw, 0o644); err != nil {
		b.logger.Error("failed writing uploaded binary frame", "integration", name, "error", err)
		return
	}
	b.logger.Info("received binary frame", "integration", name, "size", len(raw))
	b.registry.Broadcast(protocol.BinaryReceived{
		Event: "binary_received",
		From:  name,
		Size:  len(raw),
		File:  filename,
	})
}

func (b *Broker) handleIntegrationText(name string, raw []byte, sender *connSender) {
	var payload json.RawMessage
	if json.Valid(raw) {
		payload = json.RawMessage(raw)
	} else {
		wrapped, _ := json.Marshal(protocol.RawTextAction{Action: "raw_text", Raw: string(raw)})
		payload = wrapped
	}

	b.registry.Broadcast(protocol.IntegrationMessage{
		Event:   "integration_message",
		From:    name,
		Payload: payload,
	})

	if b.forwarder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := b.forwarder.Forward(ctx, protocol.ForwardRequest{FromIntegration: name, Payload: payload})
	if err != nil {
		b.logger.Error("forwarder failed", "integration", name, "error", err)
		sender.Send(protocol.ErrorReply{Error: "relay->neuro forward failed"})
		return
	}
	if result != nil {
		sender.Send(protocol.ResultReply{Result: result})
	}
}

func (b *Broker) serveWatcher(name string, conn *websocket.Conn, sender *connSender) {
	defer func() {
		if b.registry.RemoveWatcher(name, sender) {
			b.registry.Broadcast(protocol.NeuroOSDisconnected{Event: "neuroos_disconnected", Name: name})
			b.logger.Info("watcher disconnected", "name", name)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd protocol.WatcherCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			sender.Send(protocol.ErrorReply{Error: "watcher messages must be JSON"})
			continue
		}

		target, ok := b.registry.Integration(cmd.Target)
		if cmd.Target == "" || cmd.Cmd == nil || !ok {
			sender.Send(protocol.ErrorReply{Error: "invalid target/cmd"})
			continue
		}

		if err := target.Send.Send(protocol.ForwardedWatcherCommand{FromWatcher: name, Cmd: cmd.Cmd}); err != nil {
			sender.Send(protocol.ErrorReply{Error: "failed to deliver to integration"})
			continue
		}
		sender.Send(protocol.StatusSent{Status: "sent"})
	}
}

// SendToIntegration delivers payload to name synchronously if connected, or
// enqueues it into the durable queue unconditionally otherwise
// (SPEC_FULL.md §9 Open Question 3 resolution).
func (b *Broker) SendToIntegration(name string, payload any) error {
	if rec, ok := b.registry.Integration(name); ok {
		if err := rec.Send.Send(payload); err == nil {
			return nil
		}
		// fall through to queueing on a failed synchronous send
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for queue: %w", err)
	}
	if err := b.queue.Enqueue(name, raw); err != nil {
		b.logger.Error("failed to persist queued delivery", "target", name, "error", err)
		// non-fatal per SPEC_FULL.md §7: continue with the in-memory enqueue
	}
	b.logger.Info("queued message for disconnected integration", "target", name)
	return nil
}

// drainLoop periodically attempts to redeliver everything in the durable queue.
func (b *Broker) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

// drainOnce attempts to deliver every entry queued as of the start of this
// tick, not just the head. A target that stays disconnected no longer
// blocks delivery of later entries addressed to other, connected targets.
//
// The whole snapshot is popped off the front up front, so a Requeue of one
// entry can never land in front of an entry still waiting to be tried this
// tick. Entries that remain undeliverable are requeued at the end, in
// reverse, so their original relative order is preserved at the front of
// the queue for the next tick.
func (b *Broker) drainOnce() {
	snapshot := b.queue.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	for range snapshot {
		if _, ok := b.queue.PopFront(); !ok {
			break
		}
	}

	var stillPending []queue.Delivery
	for _, d := range snapshot {
		rec, connected := b.registry.Integration(d.Target)
		if !connected {
			stillPending = append(stillPending, d)
			continue
		}

		if err := rec.Send.Send(json.RawMessage(d.Payload)); err != nil {
			stillPending = append(stillPending, d)
			continue
		}
		b.logger.Info("drained queued message", "target", d.Target)
	}

	for i := len(stillPending) - 1; i >= 0; i-- {
		if err := b.queue.Requeue(stillPending[i]); err != nil {
			b.logger.Error("failed to requeue undeliverable item", "target", stillPending[i].Target, "error", err)
		}
	}
}

// QueueDepth reports the current durable queue length, for metrics.
func (b *Broker) QueueDepth() int {
	return b.queue.Len()
}

// connSender adapts a *websocket.Conn to the registry.Sender interface.
type connSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// listen opens a TCP listener on addr; split out so tests can exercise bind
// failures without constructing a full Broker.
func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (s *connSender) Send(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling outbound payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *connSender) Close() error {
	return s.conn.Close()
}
