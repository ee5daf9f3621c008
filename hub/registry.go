package hub

import "sync"

// Registry maps authenticated identities to their live connections. One
// user may hold several connections (multiple tabs, devices); presence is
// derived from the set being non-empty.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn // userID -> connID -> conn
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]Conn)}
}

// Register adds a connection under its identity.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[c.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		r.users[c.UserID()] = conns
	}
	conns[c.ID()] = c
}

// Unregister drops a connection. Removing the last connection of a user
// removes the user from the presence set entirely.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[c.UserID()]
	if !ok {
		return
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(r.users, c.UserID())
	}
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUsers returns a snapshot of every identity with a live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// SendToUser delivers the message to every connection of the user and
// returns how many accepted it. Zero is not an error; the caller decides
// whether absence matters.
func (r *Registry) SendToUser(userID string, msg Message) int {
	r.mu.RLock()
	conns := make([]Conn, 0, 2)
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.Send(msg) {
			delivered++
		}
	}
	return delivered
}
