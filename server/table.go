package server

import (
	"sync"

	"github.com/google/uuid"
)

// table is the set of live connections indexed by id.
type table struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
}

func newTable() *table {
	return &table{conns: make(map[uuid.UUID]*Conn)}
}

func (t *table) Insert(c *Conn) {
	t.mu.Lock()
	t.conns[c.ID()] = c
	t.mu.Unlock()
}

// Remove deletes connection with given id. Removing absent id is a no-op.
func (t *table) Remove(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[id]
	delete(t.conns, id)
	return ok
}

func (t *table) Get(id uuid.UUID) (*Conn, bool) {
	t.mu.RLock()
	c, ok := t.conns[id]
	t.mu.RUnlock()
	return c, ok
}

// Snapshot returns connections present at the moment of the call.
func (t *table) Snapshot() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cs := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		cs = append(cs, c)
	}
	return cs
}

func (t *table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
