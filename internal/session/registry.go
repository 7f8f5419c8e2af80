package session

import (
	"sort"
	"time"
)

// Connection is one live physical channel. It never outlives the socket.
type Connection struct {
	ID           string
	Token        string
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// Age is how long the connection has been open at now, to the second.
func (c *Connection) Age(now time.Time) time.Duration {
	return now.Sub(c.ConnectedAt).Round(time.Second)
}

// Registry maps connection ids to their session tokens and tracks inbound
// activity. Like Store it relies on the engine's lock.
type Registry struct {
	conns map[string]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add registers a new connection for token.
func (r *Registry) Add(connID, token, remoteAddr string, now time.Time) *Connection {
	c := &Connection{
		ID:           connID,
		Token:        token,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
	r.conns[connID] = c
	return c
}

// Get returns the connection, or nil.
func (r *Registry) Get(connID string) *Connection {
	return r.conns[connID]
}

// Remove unregisters the connection and returns it, or nil if it was
// already gone.
func (r *Registry) Remove(connID string) *Connection {
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	return c
}

// Touch records inbound activity on the connection.
func (r *Registry) Touch(connID string, now time.Time) bool {
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.LastActiveAt = now
	return true
}

// IdleSince returns the ids of connections with no inbound activity since
// cutoff, oldest activity first.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	var idle []*Connection
	for _, c := range r.conns {
		if c.LastActiveAt.Before(cutoff) {
			idle = append(idle, c)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActiveAt.Before(idle[j].LastActiveAt)
	})
	ids := make([]string, len(idle))
	for i, c := range idle {
		ids[i] = c.ID
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return len(r.conns)
}
