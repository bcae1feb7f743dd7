// Package registry holds the Intermediary's in-memory peer and action tables.
//
// Grounded on _examples/original_source/src/dev/nakurity/intermediary.py's
// `self.integrations` / `self.watchers` dictionaries, generalized into a
// mutex-guarded Go type per SPEC_FULL.md's "narrow interface instead of a
// single-threaded event loop" redesign note.
package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// Sender is satisfied by anything capable of delivering a JSON message to a
// peer's socket. *websocket.Conn is adapted to this via a thin wrapper so the
// registry has no direct dependency on gorilla/websocket.
type Sender interface {
	Send(payload any) error
	Close() error
}

// PeerKind distinguishes integrations from watchers.
type PeerKind string

const (
	KindIntegration PeerKind = "integration"
	KindWatcher     PeerKind = "watcher"
)

// PeerIdentity is the immutable identity of a registered peer.
type PeerIdentity struct {
	Kind        PeerKind
	Name        string
	ConnectedAt time.Time
}

// ConnectionRecord is a live peer's identity plus its send handle.
type ConnectionRecord struct {
	Identity PeerIdentity
	Send     Sender
}

// ActionSchema describes one action an integration has registered.
type ActionSchema struct {
	IntegrationName string
	ActionName      string
	Description     string
	Schema          json.RawMessage
}

// Registry holds the integrations-by-name map, watchers-by-name map, and the
// action-schema table. All methods are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	integrations map[string]*ConnectionRecord
	watchers     map[string]*ConnectionRecord

	// actions is keyed by integration name, then action name.
	actions map[string]map[string]ActionSchema
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		integrations: make(map[string]*ConnectionRecord),
		watchers:     make(map[string]*ConnectionRecord),
		actions:      make(map[string]map[string]ActionSchema),
	}
}

// RegisterIntegration installs name into the integration table, replacing any
// prior live connection under the same name (last-writer-wins). It returns the
// replaced record, or nil if there was none; closing the replaced connection
// is left to the caller.
func (r *Registry) RegisterIntegration(name string, send Sender) *ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.integrations[name]
	r.integrations[name] = &ConnectionRecord{
		Identity: PeerIdentity{Kind: KindIntegration, Name: name, ConnectedAt: time.Now()},
		Send:     send,
	}
	return prev
}

// RegisterWatcher installs name into the watcher table, replacing any prior entry.
func (r *Registry) RegisterWatcher(name string, send Sender) *ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.watchers[name]
	r.watchers[name] = &ConnectionRecord{
		Identity: PeerIdentity{Kind: KindWatcher, Name: name, ConnectedAt: time.Now()},
		Send:     send,
	}
	return prev
}

// RemoveIntegration deletes the integration record if it matches the
// provided send handle (preventing a stale cleanup from removing a newer
// replacement), returning true if a record was removed.
func (r *Registry) RemoveIntegration(name string, send Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.integrations[name]
	if !ok || rec.Send != send {
		return false
	}
	delete(r.integrations, name)
	return true
}

// RemoveWatcher deletes the watcher record if it matches the provided send handle.
func (r *Registry) RemoveWatcher(name string, send Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.watchers[name]
	if !ok || rec.Send != send {
		return false
	}
	delete(r.watchers, name)
	return true
}

// Integration returns the live integration record for name, if any.
func (r *Registry) Integration(name string) (*ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.integrations[name]
	return rec, ok
}

// Integrations returns a snapshot copy of the current integration names to records.
func (r *Registry) Integrations() map[string]*ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ConnectionRecord, len(r.integrations))
	for k, v := range r.integrations {
		out[k] = v
	}
	return out
}

// Watchers returns a snapshot copy of the current watcher names to records.
func (r *Registry) Watchers() map[string]*ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ConnectionRecord, len(r.watchers))
	for k, v := range r.watchers {
		out[k] = v
	}
	return out
}

// Broadcast sends payload to every watcher, removing any watcher whose send
// fails. There is no retry for watcher delivery, matching the original
// `_notify_watchers` semantics.
func (r *Registry) Broadcast(payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, rec := range r.watchers {
		if err := rec.Send.Send(payload); err != nil {
			delete(r.watchers, name)
		}
	}
}

// BroadcastToIntegrations sends payload to every connected integration,
// removing any integration whose send fails.
func (r *Registry) BroadcastToIntegrations(payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, rec := range r.integrations {
		if err := rec.Send.Send(payload); err != nil {
			delete(r.integrations, name)
		}
	}
}

// RegisterAction installs or overwrites an action schema for integration.
func (r *Registry) RegisterAction(integration, action, description string, schema json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.actions[integration]
	if !ok {
		bucket = make(map[string]ActionSchema)
		r.actions[integration] = bucket
	}
	bucket[action] = ActionSchema{
		IntegrationName: integration,
		ActionName:      action,
		Description:     description,
		Schema:          schema,
	}
}

// UnregisterAction removes a single action schema owned by integration.
func (r *Registry) UnregisterAction(integration, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.actions[integration]
	if !ok {
		return
	}
	delete(bucket, action)
	if len(bucket) == 0 {
		delete(r.actions, integration)
	}
}

// UnregisterIntegrationActions removes every action schema owned by integration.
// Per SPEC_FULL.md §3 lifecycle, this is called only on explicit unregistration
// or replacement, never on a bare disconnect.
func (r *Registry) UnregisterIntegrationActions(integration string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, integration)
}

// CollectAllActions returns a flat map from action name to schema across all
// integrations. Later integrations in map iteration order win on name
// collisions; callers needing per-integration attribution should use
// ActionsByIntegration instead.
func (r *Registry) CollectAllActions() map[string]ActionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ActionSchema)
	for _, bucket := range r.actions {
		for name, schema := range bucket {
			out[name] = schema
		}
	}
	return out
}

// ActionsByIntegration returns a snapshot of the action schemas owned by integration.
func (r *Registry) ActionsByIntegration(integration string) map[string]ActionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.actions[integration]
	out := make(map[string]ActionSchema, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out
}
