package gateway

import "sync"

type PeerStatus string

const (
	PeerStatusActive PeerStatus = "active"
	PeerStatusQueued PeerStatus = "queued"
)

// Role is a connection's binding to a room. A connection is unbound until it
// successfully creates or joins a session, and holds at most one binding.
type Role struct {
	RoomID string
	Owner  bool
	Status PeerStatus // peers only; empty for owners
}

// roleTable is the gateway-owned lookup from connection id to room binding.
// It is a cache local to the instance holding the live connection; the store
// remains the source of truth for room membership.
type roleTable struct {
	mu    sync.RWMutex
	roles map[string]Role
}

func newRoleTable() *roleTable {
	return &roleTable{roles: make(map[string]Role)}
}

func (t *roleTable) get(connID string) (Role, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	role, ok := t.roles[connID]
	return role, ok
}

func (t *roleTable) bind(connID string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roles[connID] = role
}

// setStatus flips a bound peer's status, reporting whether the connection was
// bound on this instance.
func (t *roleTable) setStatus(connID string, status PeerStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	role, ok := t.roles[connID]
	if !ok || role.Owner {
		return false
	}
	role.Status = status
	t.roles[connID] = role
	return true
}

func (t *roleTable) unbind(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.roles, connID)
}

// unbindRoom drops every binding for a room and returns the dropped roles
// keyed by connection id. Used on owner-driven teardown.
func (t *roleTable) unbindRoom(roomID string) map[string]Role {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := make(map[string]Role)
	for connID, role := range t.roles {
		if role.RoomID == roomID {
			dropped[connID] = role
			delete(t.roles, connID)
		}
	}
	return dropped
}
