// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tokencache memoizes the identity resolved for a token and the (action, resource) pairs
// already granted to it, so repeated requests with the same token avoid calls to the IDM and the PDP.
package tokencache

import (
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hesusruiz/pepproxy/types"
)

const DefaultCacheTime = 300 * time.Second

// maxOpaqueLength is the maximum length of the opaque tokens issued by the IDM.
// Longer tokens (or tokens with non-hex characters) are structured, like JWTs.
const maxOpaqueLength = 40

// entry is the cached state of one token. All mutable fields are protected by mu.
type entry struct {
	mu         sync.RWMutex
	identity   *types.Identity
	insertedAt time.Time
	expiresAt  time.Time
	grants     map[string]map[string]struct{}
}

func (e *entry) valid(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return now.Before(e.expiresAt)
}

type Cache struct {
	items     *gocache.Cache
	cacheTime time.Duration

	// mu serializes the writes of items
	mu sync.Mutex

	// now is replaced in tests
	now func() time.Time
}

// New creates a cache where identities of opaque tokens live for cacheTime.
func New(cacheTime time.Duration) *Cache {
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}
	return &Cache{
		items:     gocache.New(cacheTime, 2*cacheTime),
		cacheTime: cacheTime,
		now:       time.Now,
	}
}

// IsOpaque reports if the token has the shape of an IDM-issued opaque token:
// at most 40 hexadecimal characters.
func IsOpaque(token string) bool {
	if len(token) == 0 || len(token) > maxOpaqueLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// expiration returns the reference time after which an entry is stale.
// Structured tokens with a known expiry claim keep their own expiry, all others expire cacheTime after insertion.
func (c *Cache) expiration(token string, insertedAt time.Time, jwtExpiry time.Time) time.Time {
	if !IsOpaque(token) && !jwtExpiry.IsZero() {
		return jwtExpiry
	}
	return insertedAt.Add(c.cacheTime)
}

// lookup returns the valid entry for the token, evicting it if expired
func (c *Cache) lookup(token string) *entry {
	v, found := c.items.Get(token)
	if !found {
		return nil
	}
	e := v.(*entry)
	if !e.valid(c.now()) {
		slog.Debug("token expired in cache", "token", shortToken(token))
		c.evict(token, e)
		return nil
	}
	return e
}

// evict deletes the entry of the token only if it is still e, so a concurrent Put is not lost
func (c *Cache) evict(token string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, found := c.items.Get(token); found && v.(*entry) == e {
		c.items.Delete(token)
	}
}

// Get returns the identity stored for the token, if it has not expired
func (c *Cache) Get(token string) (*types.Identity, bool) {
	e := c.lookup(token)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity, true
}

// Put stores the identity for the token. jwtExpiry is the expiry claim of the token when
// it is a JWT, and the zero time otherwise.
// If the token is already in the cache, the identity is replaced and the grants are kept.
func (c *Cache) Put(token string, identity *types.Identity, jwtExpiry time.Time) {
	now := c.now()
	expiresAt := c.expiration(token, now, jwtExpiry)

	e := &entry{
		identity:   identity,
		insertedAt: now,
		expiresAt:  expiresAt,
		grants:     map[string]map[string]struct{}{},
	}

	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A valid entry keeps its grants
	if v, found := c.items.Get(token); found {
		if existing := v.(*entry); existing.valid(now) {
			existing.mu.Lock()
			existing.identity = identity
			existing.insertedAt = now
			existing.expiresAt = expiresAt
			existing.mu.Unlock()
			c.items.Set(token, existing, ttl)
			return
		}
	}

	c.items.Set(token, e, ttl)
}

// RecordGrant remembers that the token was granted action on resource.
// It does nothing if the token is not in the cache.
func (c *Cache) RecordGrant(token string, action string, resource string) {
	e := c.lookup(token)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	resources := e.grants[action]
	if resources == nil {
		resources = map[string]struct{}{}
		e.grants[action] = resources
	}
	resources[resource] = struct{}{}
}

// HasGrant reports if action on resource was granted before to the token.
// The resource must match exactly.
func (c *Cache) HasGrant(token string, action string, resource string) bool {
	e := c.lookup(token)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.grants[action][resource]
	return ok
}

// Flush deletes all entries
func (c *Cache) Flush() {
	c.items.Flush()
}

// Len returns the number of entries, including expired entries not yet evicted
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
