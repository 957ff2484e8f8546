// Package cache stores init segments and decryption keys shared between media
// segments so they are fetched once per loader.
package cache

import (
	"fmt"
	"sync"

	"segloader/internal/logger"
	"segloader/internal/playlist"
)

// InitSegmentID derives the cache identity of an init segment from its byte
// range and resolved URI.
func InitSegmentID(m *playlist.InitSegment) string {
	length := "Infinity"
	offset := uint64(0)
	if m.ByteRange != nil {
		length = fmt.Sprintf("%d", m.ByteRange.Length)
		offset = m.ByteRange.Offset
	}
	return fmt.Sprintf("%s,%d,%s", length, offset, m.ResolvedURI)
}

// KeyID derives the cache identity of a segment key.
func KeyID(k *playlist.Key) string {
	return k.ResolvedURI
}

// InitSegments caches init segment bytes by InitSegmentID.
type InitSegments struct {
	mutex  sync.RWMutex
	cache  map[string]*playlist.InitSegment
	logger logger.Logger
}

// NewInitSegments returns an empty init segment cache.
func NewInitSegments(log logger.Logger) *InitSegments {
	return &InitSegments{
		cache:  make(map[string]*playlist.InitSegment),
		logger: log,
	}
}

// Lookup returns the cached init segment for m, or m itself when nothing is
// cached. With store set, m is cached if it carries bytes and its identity is new.
func (c *InitSegments) Lookup(m *playlist.InitSegment, store bool) *playlist.InitSegment {
	if m == nil {
		return nil
	}
	id := InitSegmentID(m)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored, found := c.cache[id]
	if store && !found && m.Bytes != nil {
		stored = &playlist.InitSegment{
			ResolvedURI: m.ResolvedURI,
			ByteRange:   m.ByteRange,
			Bytes:       m.Bytes,
		}
		c.cache[id] = stored
		found = true
		c.logger.Debugf("Cached init segment: %s, size: %d bytes", id, len(m.Bytes))
	}
	if found {
		return stored
	}
	return m
}

// Clear drops every cached init segment.
func (c *InitSegments) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clear(c.cache)
}

// Len returns the number of cached init segments.
func (c *InitSegments) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// Keys caches decryption key bytes by KeyID. A disabled cache never stores
// and always hands back the key it was given.
type Keys struct {
	mutex   sync.RWMutex
	cache   map[string][]byte
	enabled bool
	logger  logger.Logger
}

// NewKeys returns an empty key cache.
func NewKeys(log logger.Logger, enabled bool) *Keys {
	return &Keys{
		cache:   make(map[string][]byte),
		enabled: enabled,
		logger:  log,
	}
}

// Lookup returns k with cached bytes filled in when available. With store set,
// k's bytes are cached if present and its identity is new.
func (c *Keys) Lookup(k *playlist.Key, store bool) *playlist.Key {
	if k == nil {
		return nil
	}
	if !c.enabled {
		return k
	}
	id := KeyID(k)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored, found := c.cache[id]
	if store && !found && k.Bytes != nil {
		stored = k.Bytes
		c.cache[id] = stored
		found = true
		c.logger.Debugf("Cached segment key: %s", id)
	}
	if !found {
		return k
	}
	return &playlist.Key{
		Method:      k.Method,
		ResolvedURI: k.ResolvedURI,
		IV:          k.IV,
		Bytes:       stored,
	}
}

// Clear drops every cached key.
func (c *Keys) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clear(c.cache)
}

// Len returns the number of cached keys.
func (c *Keys) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}
