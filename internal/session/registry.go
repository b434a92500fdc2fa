package session

import "sync"

// Registry tracks the live coordinators hosted by this process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Coordinator
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Coordinator)}
}

func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c.cfg.SessionID] = c
}

// AddIfAbsent registers the coordinator unless its session id is taken. The
// check and the insert run under one lock so concurrent creates cannot both
// win.
func (r *Registry) AddIfAbsent(c *Coordinator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[c.cfg.SessionID]; exists {
		return false
	}
	r.sessions[c.cfg.SessionID] = c
	return true
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Get(sessionID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[sessionID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
