package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Subscriber receives push frames for one charger.
type Subscriber interface {
	ID() string
	// Send enqueues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
}

type subscription struct {
	sub          Subscriber
	chargerID    string
	connectedAt  time.Time
	sent         atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// ChargerClients is the subscriber count of one charger.
type ChargerClients struct {
	ChargerID string `json:"chargerId"`
	Clients   int    `json:"clients"`
}

// Stats describes the live push connections.
type Stats struct {
	ActiveConnections int              `json:"activeConnections"`
	ClientsByCharger  []ChargerClients `json:"clientsByCharger"`
	TotalMessagesSent int64            `json:"totalMessagesSent"`
}

// Registry is the process-scoped set of push subscribers and connection rate limits.
// Create one at startup and Reset it at shutdown.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription
	limiter     *RateLimiter
	now         func() time.Time
}

// New builds registry admitting at most perIPLimit connections per IP within window.
func New(perIPLimit int, window time.Duration) *Registry {
	return &Registry{
		subscribers: make(map[string]map[string]*subscription),
		limiter:     NewRateLimiter(perIPLimit, window),
		now:         time.Now,
	}
}

// Allow records a connection attempt from ip and reports whether it is within the limit.
func (r *Registry) Allow(ip string) bool {
	return r.limiter.Allow(ip)
}

// Add registers sub for chargerID.
func (r *Registry) Add(chargerID string, sub Subscriber) {
	now := r.now()
	s := &subscription{sub: sub, chargerID: chargerID, connectedAt: now}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subscribers[chargerID]
	if !ok {
		subs = make(map[string]*subscription)
		r.subscribers[chargerID] = subs
	}
	subs[sub.ID()] = s
}

// Remove unregisters a subscriber. Chargers without subscribers are dropped.
func (r *Registry) Remove(chargerID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subscribers[chargerID]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.subscribers, chargerID)
	}
}

// Touch records activity, such as a pong, for a subscriber.
func (r *Registry) Touch(chargerID, id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.subscribers[chargerID][id]; ok {
		s.lastActivity.Store(r.now().UnixNano())
	}
}

// Chargers returns the chargers that have at least one subscriber, sorted.
func (r *Registry) Chargers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends msg to every subscriber of chargerID and returns how many accepted it.
func (r *Registry) Broadcast(chargerID string, msg []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	now := r.now().UnixNano()
	for _, s := range r.subscribers[chargerID] {
		if !s.sub.Send(msg) {
			continue
		}
		s.sent.Add(1)
		s.lastActivity.Store(now)
		delivered++
	}
	return delivered
}

// Count returns the number of registered subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.subscribers {
		n += len(subs)
	}
	return n
}

// Stats returns a snapshot of connection statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{ClientsByCharger: make([]ChargerClients, 0, len(r.subscribers))}
	for chargerID, subs := range r.subscribers {
		stats.ActiveConnections += len(subs)
		stats.ClientsByCharger = append(stats.ClientsByCharger, ChargerClients{ChargerID: chargerID, Clients: len(subs)})
		for _, s := range subs {
			stats.TotalMessagesSent += s.sent.Load()
		}
	}
	sort.Slice(stats.ClientsByCharger, func(i, j int) bool {
		return stats.ClientsByCharger[i].ChargerID < stats.ClientsByCharger[j].ChargerID
	})
	return stats
}

// Prune forgets rate-limit history older than the window.
func (r *Registry) Prune() {
	r.limiter.Prune()
}

// Reset drops all subscribers and rate-limit history.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.subscribers = make(map[string]map[string]*subscription)
	r.mu.Unlock()
	r.limiter.Reset()
}
