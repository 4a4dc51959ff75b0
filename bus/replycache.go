package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const replyCacheCleanupInterval = 60 * time.Second

type replyEntry struct {
	reply     []byte
	firstSeen time.Time
}

// ReplyCache remembers replies by envelope id so a redelivered envelope gets
// the same answer without running its side effects again.
type ReplyCache struct {
	entries     map[string]replyEntry
	retention   time.Duration
	maxSize     int
	now         func() time.Time
	mu          sync.Mutex
	lastCleanup time.Time
}

// NewReplyCache creates a cache keeping replies for retention, holding at
// most maxSize entries.
func NewReplyCache(retention time.Duration, maxSize int) *ReplyCache {
	return &ReplyCache{
		entries:     make(map[string]replyEntry),
		retention:   retention,
		maxSize:     maxSize,
		now:         time.Now,
		lastCleanup: time.Now(),
	}
}

// Get returns a cached reply.
func (rc *ReplyCache) Get(id string) ([]byte, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, ok := rc.entries[id]
	if !ok || rc.now().Sub(entry.firstSeen) > rc.retention {
		return nil, false
	}
	return entry.reply, true
}

// Put stores a reply. An existing entry is kept.
func (rc *ReplyCache) Put(id string, reply []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.now()
	if now.Sub(rc.lastCleanup) > replyCacheCleanupInterval {
		rc.cleanupLocked()
		rc.lastCleanup = now
	}
	if _, exists := rc.entries[id]; exists {
		return
	}

	if len(rc.entries) >= rc.maxSize {
		rc.cleanupLocked()
		if len(rc.entries) >= rc.maxSize {
			log.Warn().Int("cache_size", len(rc.entries)).Msg("Reply cache full - forcing cleanup")
			rc.evictOldestLocked()
		}
	}
	rc.entries[id] = replyEntry{reply: reply, firstSeen: now}
}

// Cleanup drops expired entries.
func (rc *ReplyCache) Cleanup() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cleanupLocked()
	rc.lastCleanup = rc.now()
}

func (rc *ReplyCache) cleanupLocked() {
	cutoff := rc.now().Add(-rc.retention)
	removed := 0
	for id, entry := range rc.entries {
		if entry.firstSeen.Before(cutoff) {
			delete(rc.entries, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(rc.entries)).Msg("Reply cache cleanup completed")
	}
}

// evictOldestLocked removes the oldest 20% of entries.
func (rc *ReplyCache) evictOldestLocked() {
	target := max(len(rc.entries)/5, 1)
	for removed := 0; removed < target && len(rc.entries) > 0; removed++ {
		var oldestID string
		oldest := rc.now()
		for id, entry := range rc.entries {
			if !entry.firstSeen.After(oldest) {
				oldest = entry.firstSeen
				oldestID = id
			}
		}
		delete(rc.entries, oldestID)
	}
}

// Size returns the current cache size
func (rc *ReplyCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}
