// Package memcache holds decrypted memory plaintexts for the lifetime of the
// process. Entries only exist after an authorized decryption and are wiped
// as a whole when the decryption key goes away.
package memcache

import (
	cache "github.com/patrickmn/go-cache"
)

// Cache maps a memory ID to its plaintext. It is safe for concurrent use;
// concurrent writers of the same ID are last-writer-wins.
type Cache struct {
	c *cache.Cache
}

// New returns an empty cache. Entries never expire; they live until Clear.
func New() *Cache {
	return &Cache{c: cache.New(cache.NoExpiration, 0)}
}

// Get returns the plaintext for id, if cached.
func (m *Cache) Get(id string) (string, bool) {
	v, ok := m.c.Get(id)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *Cache) Put(id, plaintext string) {
	m.c.Set(id, plaintext, cache.NoExpiration)
}

// PutAll writes every entry of plaintexts.
func (m *Cache) PutAll(plaintexts map[string]string) {
	for id, p := range plaintexts {
		m.Put(id, p)
	}
}

// Delete drops one entry, for a memory that no longer exists.
func (m *Cache) Delete(id string) {
	m.c.Delete(id)
}

// Clear removes every entry. There is no partial invalidation.
func (m *Cache) Clear() {
	m.c.Flush()
}

func (m *Cache) Len() int {
	return m.c.ItemCount()
}
