package rotation

import (
	"sync"

	"github.com/murmur-chat/epochs/util/crypto"
)

type cacheKey struct {
	conversationId string
	epochNumber    uint64
}

// memoryKeyCache is a process-local KeyCache. Good enough for clients
// that hold a handful of conversations; anything smarter plugs in via
// the KeyCache interface.
type memoryKeyCache struct {
	mu      sync.RWMutex
	keys    map[cacheKey]*crypto.PrivKey
	current map[string]uint64
}

func NewMemoryKeyCache() KeyCache {
	return &memoryKeyCache{
		keys:    make(map[cacheKey]*crypto.PrivKey),
		current: make(map[string]uint64),
	}
}

func (c *memoryKeyCache) Get(conversationId string, epochNumber uint64) (*crypto.PrivKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[cacheKey{conversationId, epochNumber}]
	return key, ok
}

func (c *memoryKeyCache) Set(conversationId string, epochNumber uint64, key *crypto.PrivKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[cacheKey{conversationId, epochNumber}] = key
}

func (c *memoryKeyCache) SetCurrentEpoch(conversationId string, epochNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[conversationId] = epochNumber
}

func (c *memoryKeyCache) CurrentEpoch(conversationId string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.current[conversationId]
	return n, ok
}
