package pool

import (
	"crypto/tls"
	"sync"
)

// DefaultMaxCachedSessions is the session cache bound used when none is given.
const DefaultMaxCachedSessions = 100

// SessionCache stores TLS session state per destination key.
//
// Eviction is by insertion order, not recency: when the cache is full the
// key stored first is dropped. Replacing the session of a cached key keeps
// its position. A cache with max 0 stores nothing.
type SessionCache struct {
	mu       sync.Mutex
	max      int
	sessions map[string]*tls.ClientSessionState
	order    []string
}

// NewSessionCache returns a cache holding at most max sessions.
func NewSessionCache(max int) *SessionCache {
	if max < 0 {
		max = 0
	}
	return &SessionCache{
		max:      max,
		sessions: make(map[string]*tls.ClientSessionState),
	}
}

// Get returns the session cached for key.
func (c *SessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	if c.max == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// Put stores session for key, evicting the oldest key when full.
func (c *SessionCache) Put(key string, session *tls.ClientSessionState) {
	if c.max == 0 || session == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[key]; ok {
		c.sessions[key] = session
		return
	}
	for len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.sessions, oldest)
	}
	c.order = append(c.order, key)
	c.sessions[key] = session
}

// Evict drops the session cached for key.
func (c *SessionCache) Evict(key string) {
	if c.max == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[key]; !ok {
		return
	}
	delete(c.sessions, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// For returns a tls.ClientSessionCache bound to one destination key.
func (c *SessionCache) For(key string) tls.ClientSessionCache {
	return &keyedSessions{cache: c, key: key}
}

// keyedSessions ignores the session key chosen by crypto/tls, the pool key
// already identifies the destination.
type keyedSessions struct {
	cache *SessionCache
	key   string
}

func (k *keyedSessions) Get(string) (*tls.ClientSessionState, bool) {
	return k.cache.Get(k.key)
}

func (k *keyedSessions) Put(_ string, cs *tls.ClientSessionState) {
	if cs == nil {
		k.cache.Evict(k.key)
		return
	}
	k.cache.Put(k.key, cs)
}
