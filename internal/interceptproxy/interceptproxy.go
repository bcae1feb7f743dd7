// Package interceptproxy implements the transparent WebSocket pass-through
// that observes specific commands on a client→upstream stream and emits
// side-channel notifications into the Intermediary.
//
// The bidirectional pump pattern (two goroutines racing on a shared "done"
// signal) is grounded on
// _examples/thatcooperguy-nvremote/apps/gateway/src/tunnel.go's
// handleTunnel, adapted from a WS<->TCP tunnel to a WS<->WS pass-through.
// The command-matching and side-channel notification behavior is grounded on
// _examples/original_source/src/dev/nakurity/intercept_proxy.py.
package interceptproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectDelay is the fixed delay between attempts to (re)establish the
// proxy's own Intermediary connection, matching the original's
// `await asyncio.sleep(2.0)`.
const reconnectDelay = 2 * time.Second

// IntermediaryLink is the narrow interface the proxy needs to register
// itself with the Intermediary and broadcast side-channel notifications.
// Satisfied by a thin client dialing the broker's own WebSocket listener.
type IntermediaryLink interface {
	Broadcast(payload any) error
	Close() error
}

// DialIntermediaryFunc constructs an IntermediaryLink by registering as an
// integration peer named integrationName against the broker at addr.
type DialIntermediaryFunc func(ctx context.Context, addr, integrationName, authToken string) (IntermediaryLink, error)

// Config configures the intercept proxy.
type Config struct {
	Host              string
	Port              int
	UpstreamURL       string
	MatchCommands     []string
	IntegrationName   string
	IntermediaryAddr  string
	IntermediaryToken string
}

// Proxy is the intercept proxy WebSocket server.
type Proxy struct {
	cfg    Config
	logger *slog.Logger
	dial   DialIntermediaryFunc

	upgrader websocket.Upgrader

	mu   sync.RWMutex
	link IntermediaryLink

	matchSet map[string]bool
}

// New constructs a Proxy. dial is used to (re)establish the Intermediary
// side-channel connection.
func New(cfg Config, logger *slog.Logger, dial DialIntermediaryFunc) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	match := make(map[string]bool, len(cfg.MatchCommands))
	for _, c := range cfg.MatchCommands {
		match[c] = true
	}
	return &Proxy{
		cfg:      cfg,
		logger:   logger,
		dial:     dial,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		matchSet: match,
	}
}

// Run starts the Intermediary reconnect loop and the client-facing listener,
// blocking until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	go p.ensureIntermediaryConnected(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleClient)

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	p.logger.Info("intercept proxy listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("intercept proxy server error: %w", err)
		}
		return nil
	}
}

func (p *Proxy) ensureIntermediaryConnected(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.currentLink() != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		link, err := p.dial(ctx, p.cfg.IntermediaryAddr, p.cfg.IntegrationName, p.cfg.IntermediaryToken)
		if err != nil {
			p.logger.Warn("intercept proxy could not reach intermediary", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}
		p.setLink(link)
	}
}

func (p *Proxy) currentLink() IntermediaryLink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link
}

func (p *Proxy) setLink(l IntermediaryLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.link = l
}

// broadcast sends payload via the held Intermediary connection if present,
// swallowing errors (matching the original's best-effort `_broadcast`).
func (p *Proxy) broadcast(payload any) {
	link := p.currentLink()
	if link == nil {
		return
	}
	if err := link.Broadcast(payload); err != nil {
		p.logger.Warn("intercept proxy failed to broadcast to intermediary", "error", err)
		p.setLink(nil)
	}
}

func (p *Proxy) handleClient(w http.ResponseWriter, r *http.Request) {
	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("intercept proxy client upgrade failed", "error", err)
		return
	}
	defer clientConn.Close()

	upstreamConn, _, err := websocket.DefaultDialer.Dial(p.cfg.UpstreamURL, nil)
	if err != nil {
		p.logger.Warn("intercept proxy failed to dial upstream", "error", err, "url", p.cfg.UpstreamURL)
		return
	}
	defer upstreamConn.Close()

	clientAddr := r.RemoteAddr
	done := make(chan struct{}, 2)

	go p.pumpClientToUpstream(clientConn, upstreamConn, clientAddr, done)
	go p.pumpUpstreamToClient(upstreamConn, clientConn, done)

	<-done

	p.broadcast(map[string]any{
		"event": "integration_disconnected",
		"via":   "intercept-proxy",
		"details": map[string]any{
			"client": clientAddr,
		},
	})
}

func (p *Proxy) pumpClientToUpstream(client, upstream *websocket.Conn, clientAddr string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, raw, err := client.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.TextMessage {
			p.observeFirstCommand(raw, clientAddr)
		}

		if err := upstream.WriteMessage(msgType, raw); err != nil {
			return
		}
	}
}

func (p *Proxy) pumpUpstreamToClient(upstream, client *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, raw, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		if err := client.WriteMessage(msgType, raw); err != nil {
			return
		}
	}
}

func (p *Proxy) observeFirstCommand(raw []byte, clientAddr string) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}
	cmdRaw, ok := obj["command"]
	if !ok {
		return
	}
	var cmd string
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		return
	}
	if !p.matchSet[cmd] {
		return
	}

	var snippet json.RawMessage
	if d, ok := obj["data"]; ok {
		snippet = d
	}

	p.broadcast(map[string]any{
		"event": "integration_connected",
		"via":   "intercept-proxy",
		"details": map[string]any{
			"client":        clientAddr,
			"first_command": cmd,
			"snippet":       snippet,
		},
	})
}

// brokerLink is the default IntermediaryLink: a plain WebSocket client that
// registers itself as an integration peer and holds the connection open for
// one-way broadcast sends.
type brokerLink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialBrokerLink registers as an integration peer named integrationName
// against the Intermediary at addr and returns a ready-to-use IntermediaryLink.
func DialBrokerLink(ctx context.Context, addr, integrationName, authToken string) (IntermediaryLink, error) {
	url := fmt.Sprintf("ws://%s/", addr)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing intermediary at %s: %w", addr, err)
	}

	reg, err := json.Marshal(map[string]string{
		"type":       "integration",
		"name":       integrationName,
		"auth_token": authToken,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encoding registration: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending registration: %w", err)
	}

	return &brokerLink{conn: conn}, nil
}

func (b *brokerLink) Broadcast(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling side-channel payload: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, raw)
}

func (b *brokerLink) Close() error {
	return b.conn.Close()
}
