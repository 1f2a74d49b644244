package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, the default backend and the one tests
// use.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]ClientSession
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]ClientSession),
	}
}

func (m *MemoryStore) LoadKnownClients(ctx context.Context) ([]ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	known := make([]ClientSession, 0, len(m.clients))
	for _, s := range m.clients {
		known = append(known, s)
	}
	return known, nil
}

func (m *MemoryStore) SaveClientStatus(ctx context.Context, session ClientSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.clients[session.ClientId] = session
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.clients = nil
	return nil
}
