package client

import (
	"crypto/tls"
	"sync"
)

// SessionCacheManager keeps one TLS session cache per device address, so a
// QUIC reconnect to the same device resumes its session and tickets issued by
// one device are never offered to another.
type SessionCacheManager struct {
	caches sync.Map // map[string]tls.ClientSessionCache (key: "host:port")
}

// NewSessionCacheManager creates a new SessionCacheManager instance.
func NewSessionCacheManager() *SessionCacheManager {
	return &SessionCacheManager{}
}

// GetOrCreate returns the session cache for addr, creating one if needed.
func (m *SessionCacheManager) GetOrCreate(addr string) tls.ClientSessionCache {
	if cache, ok := m.caches.Load(addr); ok {
		return cache.(tls.ClientSessionCache)
	}

	// LoadOrStore handles concurrent creation
	actual, _ := m.caches.LoadOrStore(addr, tls.NewLRUClientSessionCache(0))
	return actual.(tls.ClientSessionCache)
}

// Get returns the session cache for addr, or nil if none exists.
func (m *SessionCacheManager) Get(addr string) tls.ClientSessionCache {
	if cache, ok := m.caches.Load(addr); ok {
		return cache.(tls.ClientSessionCache)
	}
	return nil
}

// Clear forgets the sessions of addr, e.g. after the device was re-keyed.
func (m *SessionCacheManager) Clear(addr string) {
	m.caches.Delete(addr)
}

// Count returns the number of session caches currently managed.
func (m *SessionCacheManager) Count() int {
	count := 0
	m.caches.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
