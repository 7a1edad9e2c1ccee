package chat

import (
	"log/slog"
	"sync"
)

// StoreFactory builds a fully wired store for a member+tab pair.
type StoreFactory func(memberID, sessionID string) *Store

// Registry tracks the live store per member and tab session. A store exists
// from the first chat request of a tab until the tab is torn down or the
// member's stores are force-closed.
type Registry struct {
	mu      sync.RWMutex
	stores  map[string]map[string]*Store
	factory StoreFactory
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(factory StoreFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		stores:  make(map[string]map[string]*Store),
		factory: factory,
		logger:  logger,
	}
}

// Get returns the store for a member+tab, or nil.
func (r *Registry) Get(memberID, sessionID string) *Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.stores[memberID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// GetOrCreate returns the store for a member+tab, creating it on first use.
func (r *Registry) GetOrCreate(memberID, sessionID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stores[memberID]; !ok {
		r.stores[memberID] = make(map[string]*Store)
	}
	if store, ok := r.stores[memberID][sessionID]; ok {
		return store
	}

	store := r.factory(memberID, sessionID)
	r.stores[memberID][sessionID] = store
	r.logger.Info("Chat store created", "member_id", memberID, "session_id", sessionID)
	return store
}

// Remove closes and drops the store for a member+tab.
func (r *Registry) Remove(memberID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.stores[memberID]
	if !ok {
		return
	}
	if store, exists := sessions[sessionID]; exists {
		store.Close()
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.stores, memberID)
		}
		r.logger.Info("Chat store removed", "member_id", memberID, "session_id", sessionID)
	}
}

// CloseMember closes every store belonging to a member.
func (r *Registry) CloseMember(memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.stores[memberID]
	if !ok {
		return
	}
	for sid, store := range sessions {
		store.Close()
		r.logger.Info("Chat store closed", "member_id", memberID, "session_id", sid)
	}
	delete(r.stores, memberID)
}

// CloseAll closes every store. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for memberID, sessions := range r.stores {
		for _, store := range sessions {
			store.Close()
		}
		delete(r.stores, memberID)
	}
}
