package ws

import (
	"context"
	"sync"
	"time"

	"flashcharge/backend/services/charging-service/internal/metrics"
	"flashcharge/backend/services/charging-service/internal/registry"
)

// Manager tracks open push connections and keeps the registry tidy.
type Manager struct {
	mu           sync.RWMutex
	connections  map[string]*Connection
	registry     *registry.Registry
	pingInterval time.Duration
}

// NewManager builds connection manager.
func NewManager(reg *registry.Registry, pingInterval time.Duration) *Manager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Manager{
		connections:  make(map[string]*Connection),
		registry:     reg,
		pingInterval: pingInterval,
	}
}

// Add registers a connection with the manager and the registry.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.ID()] = conn
	count := len(m.connections)
	m.mu.Unlock()
	m.registry.Add(conn.ChargerID(), conn)
	metrics.SetPushConnections(count)
}

// Remove unregisters a connection.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	delete(m.connections, conn.ID())
	count := len(m.connections)
	m.mu.Unlock()
	m.registry.Remove(conn.ChargerID(), conn.ID())
	metrics.SetPushConnections(count)
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Start prunes rate-limit history every ping interval and closes every connection on shutdown.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			m.registry.Reset()
			return nil
		case <-ticker.C:
			m.registry.Prune()
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
