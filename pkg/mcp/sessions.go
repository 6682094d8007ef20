package mcp

import "sync"

// SessionRegistry tracks which MCP sessions asked to be notified about
// which executions. Populated when a session calls stepflow.run with
// notify="true"; entries drain as runs finish or sessions disconnect.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // executionID → set of sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch subscribes a session to events for one execution. Watching the same
// execution twice is a no-op.
func (r *SessionRegistry) Watch(executionID, sessionID string) {
	if executionID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[executionID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[executionID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching the given execution.
func (r *SessionRegistry) SessionsFor(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.watchers[executionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Release drops every watcher of the given execution. Called once the run
// reaches a terminal event.
func (r *SessionRegistry) Release(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, executionID)
}

// Remove deletes all interests of the given session ID. Called when a
// session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for executionID, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, executionID)
		}
	}
}
