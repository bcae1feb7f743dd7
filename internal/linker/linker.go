// Package linker implements the traffic translator: a single-consumer queue
// that converts broker-side events into upstream command envelopes and hands
// them to the backend adapter.
//
// Grounded on _examples/original_source/src/dev/nakurity/linker.py's
// NakurityLink (`self.traffic = asyncio.Queue()`, `_handle_traffic`).
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nakashireyumi/neuro-relay/internal/protocol"
)

// requeueDelay is the pause before retrying an item when no upstream sender
// is yet available, or after a transient send failure.
const requeueDelay = 500 * time.Millisecond

// itemBacklog bounds the channel so a runaway producer cannot grow memory
// without limit; producers block (rather than drop) once full, which is
// acceptable since nothing in SPEC_FULL.md requires a non-blocking enqueue.
const itemBacklog = 1024

// TrafficKind distinguishes the two translation task shapes.
type TrafficKind string

const (
	KindRegisterActions TrafficKind = "register_actions"
	KindEvent           TrafficKind = "event"
)

// TrafficItem is one queued translation task. id is generated with
// github.com/google/uuid per SPEC_FULL.md §3.
type TrafficItem struct {
	ID                string
	Kind              TrafficKind
	OriginIntegration string
	Event             string
	Body              json.RawMessage
}

// Sender is the narrow interface the Linker needs from the backend adapter:
// the ability to push a fully-formed upstream command, and to report whether
// it currently has a live upstream connection.
type Sender interface {
	SendCommand(cmd protocol.UpstreamCommand) error
	Connected() bool
}

// Linker is the single-consumer traffic translator.
type Linker struct {
	gameName string
	logger   *slog.Logger

	mu     sync.RWMutex
	sender Sender

	items chan TrafficItem
}

// New constructs a Linker. gameName is the identifier sent as the "game"
// field on outbound upstream commands (the original's adapter/relay name).
func New(gameName string, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		gameName: gameName,
		logger:   logger,
		items:    make(chan TrafficItem, itemBacklog),
	}
}

// SetSender installs the backend adapter as the upstream sender. Safe to call
// before the drain loop has an upstream connection yet; items simply requeue
// until SetSender has been called and the sender reports Connected().
func (l *Linker) SetSender(s Sender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sender = s
}

func (l *Linker) currentSender() Sender {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sender
}

// RegisterActions enqueues a translation task for an actions/register envelope.
func (l *Linker) RegisterActions(actions []protocol.ActionDefinition) {
	body, _ := json.Marshal(actions)
	l.items <- TrafficItem{ID: uuid.NewString(), Kind: KindRegisterActions, Body: body}
}

// Event enqueues a translation task for a context (or promoted actions/force)
// envelope.
func (l *Linker) Event(event, originIntegration string, payload json.RawMessage) {
	l.items <- TrafficItem{
		ID:                uuid.NewString(),
		Kind:              KindEvent,
		OriginIntegration: originIntegration,
		Event:             event,
		Body:              payload,
	}
}

// Run drains the queue until ctx is cancelled.
func (l *Linker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-l.items:
			l.handle(ctx, item)
		}
	}
}

func (l *Linker) handle(ctx context.Context, item TrafficItem) {
	sender := l.currentSender()
	if sender == nil || !sender.Connected() {
		l.requeueAfterDelay(ctx, item)
		return
	}

	cmd, err := l.translate(item)
	if err != nil {
		l.logger.Error("discarding untranslatable traffic item", "id", item.ID, "error", err)
		return
	}

	if err := sender.SendCommand(cmd); err != nil {
		if isTransient(err) {
			l.requeueAfterDelay(ctx, item)
			return
		}
		l.logger.Error("discarding traffic item after non-transient send error", "id", item.ID, "error", err)
		return
	}
}

func (l *Linker) requeueAfterDelay(ctx context.Context, item TrafficItem) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(requeueDelay):
	}
	select {
	case l.items <- item:
	case <-ctx.Done():
	}
}

// isTransient matches the original's substring check on "connection" or
// "websocket" in the error text.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "websocket")
}

// translate converts a TrafficItem into its upstream UpstreamCommand envelope.
func (l *Linker) translate(item TrafficItem) (protocol.UpstreamCommand, error) {
	switch item.Kind {
	case KindRegisterActions:
		var actions []protocol.ActionDefinition
		if err := json.Unmarshal(item.Body, &actions); err != nil {
			return protocol.UpstreamCommand{}, fmt.Errorf("decoding register_actions body: %w", err)
		}
		return protocol.UpstreamCommand{
			Command: "actions/register",
			Game:    l.gameName,
			Data:    protocol.RegisterActionsData{Actions: actions},
		}, nil
	case KindEvent:
		return l.translateEvent(item)
	default:
		return protocol.UpstreamCommand{}, fmt.Errorf("unknown traffic item kind %q", item.Kind)
	}
}

func (l *Linker) translateEvent(item TrafficItem) (protocol.UpstreamCommand, error) {
	var op struct {
		Op               string   `json:"op"`
		State            any      `json:"state"`
		Query            string   `json:"query"`
		ActionNames      []string `json:"action_names"`
		EphemeralContext bool     `json:"ephemeral_context"`
	}
	_ = json.Unmarshal(item.Body, &op)

	if op.Op == "choose_force_action" {
		stateJSON, err := json.Marshal(op.State)
		if err != nil {
			return protocol.UpstreamCommand{}, fmt.Errorf("stringifying forced-action state: %w", err)
		}
		return protocol.UpstreamCommand{
			Command: "actions/force",
			Game:    l.gameName,
			Data: protocol.ForceActionData{
				State:            string(stateJSON),
				Query:            op.Query,
				ActionNames:      op.ActionNames,
				EphemeralContext: op.EphemeralContext,
			},
		}, nil
	}

	message := humanMessage(item.Event, item.OriginIntegration)
	return protocol.UpstreamCommand{
		Command: "context",
		Game:    l.gameName,
		Data:    protocol.ContextData{Message: message, Silent: true},
	}, nil
}

func humanMessage(event, origin string) string {
	switch event {
	case "integration_connected":
		return fmt.Sprintf("integration %q connected", origin)
	case "integration_disconnected":
		return fmt.Sprintf("integration %q disconnected", origin)
	case "action_test":
		return fmt.Sprintf("integration %q ran an action test", origin)
	default:
		return fmt.Sprintf("message from integration %q", origin)
	}
}
