package core

import (
	"sync"

	"flowbase/pkg/domain"
)

// ChangeSet groups items by type for one notification batch.
type ChangeSet map[domain.ItemType][]domain.Item

// Listener receives change notifications. Each logical batch produces exactly
// one call, covering every affected connection the listener is registered
// for.
type Listener interface {
	ReceiveItemsAdded(changes map[*Connection]ChangeSet)
	ReceiveItemsUpdated(changes map[*Connection]ChangeSet)
	ReceiveItemsRemoved(changes map[*Connection]ChangeSet)
	ReceiveSessionCommitted(conns []*Connection)
	ReceiveSessionRolledBack(conns []*Connection)
}

type listenerKind int

const (
	kindAdded listenerKind = iota
	kindUpdated
	kindRemoved
)

// listenerRegistry tracks which listener watches which connections.
type listenerRegistry struct {
	mu     sync.RWMutex
	scopes map[Listener]map[*Connection]bool
	logger domain.Logger
}

func newListenerRegistry(logger domain.Logger) *listenerRegistry {
	return &listenerRegistry{scopes: make(map[Listener]map[*Connection]bool), logger: logger}
}

func (r *listenerRegistry) register(l Listener, conns ...*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope := r.scopes[l]
	if scope == nil {
		scope = make(map[*Connection]bool)
		r.scopes[l] = scope
	}
	for _, conn := range conns {
		scope[conn] = true
	}
}

// deregister removes the listener from the given connections, or entirely
// when none are named.
func (r *listenerRegistry) deregister(l Listener, conns ...*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(conns) == 0 {
		delete(r.scopes, l)
		return
	}
	scope := r.scopes[l]
	for _, conn := range conns {
		delete(scope, conn)
	}
	if len(scope) == 0 {
		delete(r.scopes, l)
	}
}

// dropConnection removes a closed connection from every scope.
func (r *listenerRegistry) dropConnection(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l, scope := range r.scopes {
		delete(scope, conn)
		if len(scope) == 0 {
			delete(r.scopes, l)
		}
	}
}

func (r *listenerRegistry) snapshot() map[Listener]map[*Connection]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Listener]map[*Connection]bool, len(r.scopes))
	for l, scope := range r.scopes {
		cp := make(map[*Connection]bool, len(scope))
		for conn := range scope {
			cp[conn] = true
		}
		out[l] = cp
	}
	return out
}

// notifyItems delivers one items batch. Each listener sees only the
// connections it is registered for; listeners with no overlap are skipped.
func (r *listenerRegistry) notifyItems(kind listenerKind, changes map[*Connection]ChangeSet) {
	if len(changes) == 0 {
		return
	}
	for l, scope := range r.snapshot() {
		filtered := make(map[*Connection]ChangeSet)
		for conn, set := range changes {
			if scope[conn] && len(set) > 0 {
				filtered[conn] = set
			}
		}
		if len(filtered) == 0 {
			continue
		}
		r.deliver(func() {
			switch kind {
			case kindAdded:
				l.ReceiveItemsAdded(filtered)
			case kindUpdated:
				l.ReceiveItemsUpdated(filtered)
			case kindRemoved:
				l.ReceiveItemsRemoved(filtered)
			}
		})
	}
}

func (r *listenerRegistry) notifySession(committed bool, conns []*Connection) {
	if len(conns) == 0 {
		return
	}
	for l, scope := range r.snapshot() {
		var filtered []*Connection
		for _, conn := range conns {
			if scope[conn] {
				filtered = append(filtered, conn)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		target := filtered
		r.deliver(func() {
			if committed {
				l.ReceiveSessionCommitted(target)
			} else {
				l.ReceiveSessionRolledBack(target)
			}
		})
	}
}

// deliver invokes the listener and contains its panics; one faulty listener
// must not break the batch for the rest.
func (r *listenerRegistry) deliver(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked", "panic", rec)
		}
	}()
	fn()
}
