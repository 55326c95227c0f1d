package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type commandLimiter interface {
	Allow() bool
}

type allowAll struct{}

func (allowAll) Allow() bool { return true }

// LimiterStore maintains per-client-address rate limiters and performs
// periodic cleanup of addresses that have not connected for a while.
type LimiterStore struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	clients         map[string]*clientEntry
	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCh          chan struct{}
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore creates a store of per-address limiters. limitPerMinute
// controls allowed commands per minute; burst is the burst capacity.
func NewLimiterStore(limitPerMinute, burst int, cleanupInterval time.Duration) *LimiterStore {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	if burst <= 0 {
		burst = limitPerMinute
	}
	s := &LimiterStore{
		limit:           rate.Every(time.Minute / time.Duration(limitPerMinute)),
		burst:           burst,
		clients:         map[string]*clientEntry{},
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// ForAddr returns the limiter shared by all connections from the address's
// host. The port is stripped so reconnects keep their budget.
func (s *LimiterStore) ForAddr(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.clients[host]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[host] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (s *LimiterStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * s.cleanupInterval)
			s.mu.Lock()
			for host, entry := range s.clients {
				if entry.lastSeen.Before(cutoff) {
					delete(s.clients, host)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (s *LimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
