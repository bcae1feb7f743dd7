// Package backend implements the upstream adapter: a single outbound
// WebSocket connection to the "neuro-api" backend with reconnect/backoff,
// a read loop dispatching inbound actions, and the forced-action
// request/response correlation.
//
// The connection lifecycle (outer reconnect loop, exponential backoff,
// read loop run as a blocking call inside that loop) is grounded on
// _examples/thatcooperguy-nvremote/apps/host-agent/internal/heartbeat/websocket.go's
// ConnectSignaling/calculateBackoff pair — only the reconnect SHAPE is
// reused, not that file's Socket.IO wire framing, which is teacher-specific
// and replaced here with the spec's plain JSON command envelopes.
//
// The forced-action correlation and startup/registration sequencing are
// grounded on _examples/original_source/src/dev/nakurity/server.py's
// choose_force_action and _examples/original_source/src/dev/nakurity/client.py's
// initialize/collect_registered_actions/register_environment_context.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Nakashireyumi/neuro-relay/internal/intermediary"
	"github.com/Nakashireyumi/neuro-relay/internal/metrics"
	"github.com/Nakashireyumi/neuro-relay/internal/protocol"
	"github.com/Nakashireyumi/neuro-relay/internal/registry"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 128 * time.Second
	defaultMaxRetries  = 10
	maxBackoffExponent = 6

	handshakeTimeout    = 10 * time.Second
	forcedActionTimeout = 8 * time.Second

	relayName        = "relay-outbound"
	relayDescription = "Acts as a multiplexed integration relay."
)

// Dialer abstracts websocket.DefaultDialer so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader map[string][]string) (*websocket.Conn, *http.Response, error)
}

// Config configures the backend adapter.
type Config struct {
	UpstreamURL string
	MaxRetries  int // 0 means use defaultMaxRetries

	// RequireInitialConnect, if true, causes Run to return an error if the
	// first connection attempt exhausts MaxRetries. If false, the adapter
	// keeps retrying forever in the background after logging a terminal line
	// for the initial exhaustion.
	RequireInitialConnect bool
}

// Adapter is the upstream WebSocket client and the Intermediary's Forwarder.
type Adapter struct {
	cfg      Config
	broker   *intermediary.Broker
	registry *registry.Registry
	logger   *slog.Logger
	dialer   Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	connMu   sync.Mutex // guards writes to conn specifically (gorilla/websocket forbids concurrent writers)

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Choice
	oldest    string // request_id of the single oldest outstanding request, for replies lacking one
}

// New constructs an Adapter wired to broker's registry for action collection
// and queued delivery. Call SetForwarder-equivalent wiring by passing the
// returned *Adapter to broker.SetForwarder.
func New(cfg Config, broker *intermediary.Broker, logger *slog.Logger, dialer Dialer) *Adapter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Adapter{
		cfg:      cfg,
		broker:   broker,
		registry: broker.Registry(),
		logger:   logger,
		dialer:   dialer,
		pending:  make(map[string]chan protocol.Choice),
	}
}

// Run drives the reconnect loop until ctx is cancelled. It blocks.
func (a *Adapter) Run(ctx context.Context) error {
	attempt := 0
	initial := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := a.connect(ctx)
		if err != nil {
			if initial && attempt >= a.cfg.MaxRetries {
				a.logger.Error("upstream exhausted retries on initial connect", "attempts", attempt)
				if a.cfg.RequireInitialConnect {
					return fmt.Errorf("upstream connect exhausted after %d attempts: %w", attempt, err)
				}
				initial = false
			}

			delay := calculateBackoff(attempt)
			attempt++
			metrics.UpstreamReconnects.Inc()
			a.logger.Warn("upstream connect failed, backing off", "attempt", attempt, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		initial = false
		a.setConn(conn)

		if err := a.initialize(ctx); err != nil {
			a.logger.Error("upstream initialization failed", "error", err)
			conn.Close()
			a.setConn(nil)
			continue
		}

		a.readLoop(ctx, conn) // blocks until the socket closes or ctx is done
		a.setConn(nil)

		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("upstream connection closed, reconnecting")
		metrics.UpstreamReconnects.Inc()
	}
}

func (a *Adapter) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, _, err := a.dialer.DialContext(dialCtx, a.cfg.UpstreamURL, nil)
	return conn, err
}

func calculateBackoff(attempt int) time.Duration {
	if attempt == 0 {
		return baseReconnectDelay
	}
	exp := attempt
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	delay := time.Duration(math.Pow(2, float64(exp))) * baseReconnectDelay
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (a *Adapter) setConn(c *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = c
}

func (a *Adapter) activeConn() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// Connected reports whether the adapter currently holds a live upstream socket.
func (a *Adapter) Connected() bool {
	return a.activeConn() != nil
}

// SendCommand satisfies linker.Sender, letting the traffic translator push
// already-built upstream envelopes through the adapter's connection.
func (a *Adapter) SendCommand(cmd protocol.UpstreamCommand) error {
	return a.send(cmd)
}

// send writes an UpstreamCommand, serializing concurrent writers per
// gorilla/websocket's single-writer requirement.
func (a *Adapter) send(cmd protocol.UpstreamCommand) error {
	conn := a.activeConn()
	if conn == nil {
		return fmt.Errorf("no active upstream connection")
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshaling upstream command: %w", err)
	}
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// initialize runs the startup sequence: startup command, registered actions,
// environment context. Grounded on client.py's initialize().
func (a *Adapter) initialize(ctx context.Context) error {
	if err := a.send(protocol.UpstreamCommand{Command: "startup", Game: relayName}); err != nil {
		return fmt.Errorf("sending startup command: %w", err)
	}

	actions := a.registry.CollectAllActions()
	if len(actions) > 0 {
		defs := make([]protocol.ActionDefinition, 0, len(actions))
		for name, schema := range actions {
			defs = append(defs, protocol.ActionDefinition{
				Name:        name,
				Description: schema.Description,
				Schema:      schema.Schema,
			})
		}
		if err := a.send(protocol.UpstreamCommand{
			Command: "actions/register",
			Game:    relayName,
			Data:    protocol.RegisterActionsData{Actions: defs},
		}); err != nil {
			return fmt.Errorf("registering actions: %w", err)
		}
	}

	names := make([]string, 0)
	for name := range a.registry.Integrations() {
		names = append(names, name)
	}
	envCtx := protocol.EnvironmentContext{
		Op:                    "environment_context",
		RelayName:             relayName,
		RelayDescription:      relayDescription,
		ConnectedIntegrations: names,
	}
	if err := a.send(protocol.UpstreamCommand{Command: "context", Game: relayName, Data: envCtx}); err != nil {
		return fmt.Errorf("sending environment context: %w", err)
	}

	return nil
}

// readLoop reads upstream frames until the connection closes or ctx is done.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.handleUpstreamFrame(ctx, raw)
	}
}

func (a *Adapter) handleUpstreamFrame(ctx context.Context, raw []byte) {
	var action protocol.UpstreamAction
	if err := json.Unmarshal(raw, &action); err != nil {
		a.logger.Warn("discarding malformed upstream frame", "error", err)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"from_neuro_backend": true,
		"action":             action.Name,
		"data":               json.RawMessage(action.Data),
		"id":                 action.ID,
	})

	if _, err := a.Forward(ctx, protocol.ForwardRequest{FromIntegration: "", Payload: payload}); err != nil {
		a.logger.Error("forwarding upstream action into intermediary failed", "error", err)
	}
}

// Forward satisfies intermediary.Forwarder. It is the hook installed into the
// broker at construction time so integration payloads reach the backend, and
// it is also reused internally to route upstream actions and forced-action
// choice replies back through the same codepath, matching the original's
// `_handle_intermediary_forward` dual role.
func (a *Adapter) Forward(_ context.Context, req protocol.ForwardRequest) (any, error) {
	var choiceHolder struct {
		Choice *protocol.Choice `json:"choice"`
	}
	if err := json.Unmarshal(req.Payload, &choiceHolder); err == nil && choiceHolder.Choice != nil {
		a.resolveChoice(*choiceHolder.Choice)
		return map[string]bool{"accepted": true}, nil
	}

	a.logger.Debug("forwarded integration payload received", "from", req.FromIntegration)
	return map[string]any{"accepted": true, "echo": json.RawMessage(req.Payload)}, nil
}

// ChooseForceAction asks all integrations to pick one of actions, waiting up
// to forcedActionTimeout for the first reply. Grounded on server.py's
// choose_force_action, generalized (per SPEC_FULL.md §9 Open Question 2) to
// key the reply channel by a generated request ID so concurrent calls do not
// interleave.
func (a *Adapter) ChooseForceAction(ctx context.Context, gameTitle, state, query string, ephemeralContext bool, actions []protocol.SimpleAction) (selected string, data string, err error) {
	if len(actions) == 0 {
		a.logger.Warn("choose_force_action called with an empty action list")
	}

	requestID := uuid.NewString()
	replyCh := make(chan protocol.Choice, 1)

	a.pendingMu.Lock()
	a.pending[requestID] = replyCh
	if a.oldest == "" {
		a.oldest = requestID
	}
	a.pendingMu.Unlock()

	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, requestID)
		if a.oldest == requestID {
			a.oldest = ""
		}
		a.pendingMu.Unlock()
	}()

	ask := protocol.ChooseActionRequest{
		RequestID:        requestID,
		GameTitle:        gameTitle,
		State:            state,
		Query:            query,
		EphemeralContext: ephemeralContext,
		Actions:          actions,
	}

	a.registry.Broadcast(map[string]any{"event": "choose_action", "payload": ask})
	a.registry.BroadcastToIntegrations(map[string]any{"event": "choose_action_request", "payload": ask})

	deadline, cancel := context.WithTimeout(ctx, forcedActionTimeout)
	defer cancel()

	select {
	case choice := <-replyCh:
		name := choice.Selected
		d := "{}"
		if len(choice.Data) > 0 {
			d = string(choice.Data)
		}
		metrics.ForcedActionOutcomes.WithLabelValues("reply").Inc()
		return name, d, nil
	case <-deadline.Done():
		if len(actions) == 0 {
			metrics.ForcedActionOutcomes.WithLabelValues("empty_sentinel").Inc()
			return "", "{}", nil
		}
		metrics.ForcedActionOutcomes.WithLabelValues("timeout_fallback").Inc()
		return actions[0].Name, "{}", nil
	}
}

// resolveChoice routes an incoming Choice to its matching pending channel,
// discarding it silently if no channel is waiting (first-reply-wins; extra
// replies arriving after the first are discarded, matching SPEC_FULL.md §5).
func (a *Adapter) resolveChoice(choice protocol.Choice) {
	a.pendingMu.Lock()
	id := choice.RequestID
	if id == "" {
		id = a.oldest
	}
	ch, ok := a.pending[id]
	a.pendingMu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- choice:
	default:
		// a reply already arrived for this request; drop the extra.
	}
}
