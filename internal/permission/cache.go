package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 512

// Cache memoizes UserPermissions by the dimensions that determine it. Any
// change to role, level, certifications or status yields a different key, so
// a mutated identity never reads a stale entry.
type Cache struct {
	engine  *Engine
	entries *lru.Cache[string, []string]
}

func NewCache(engine *Engine, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, []string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{engine: engine, entries: entries}, nil
}

// Permissions returns the identity's permission list, computing it on a miss.
// Callers receive their own copy.
func (c *Cache) Permissions(identity Identity) []string {
	key := CacheKey(identity)
	if perms, ok := c.entries.Get(key); ok {
		return append([]string(nil), perms...)
	}
	perms := c.engine.UserPermissions(identity)
	c.entries.Add(key, perms)
	return append([]string(nil), perms...)
}

func (c *Cache) Len() int { return c.entries.Len() }

// Purge drops every cached entry.
func (c *Cache) Purge() { c.entries.Purge() }

// CacheKey derives the (role, level, certifications, status) tuple key.
func CacheKey(identity Identity) string {
	certs := sortedCopy(identity.Certifications)
	sum := sha256.Sum256([]byte(strings.Join(certs, "\x00")))
	return strings.Join([]string{
		string(identity.Role),
		strconv.Itoa(identity.Level),
		hex.EncodeToString(sum[:8]),
		string(identity.Status),
	}, "|")
}
