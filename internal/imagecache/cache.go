package imagecache

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/haneul-edu/quiz-ai-gateway/internal/storage"
)

// Entry is one cached generation result.
type Entry struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	CreatedAt    int64  `json:"created_at"` // ms since epoch, set once at insertion
	SourcePrompt string `json:"source_prompt"`
}

// evictBatch is how many of the oldest entries are dropped when a
// persistence write fails before the single retry.
const evictBatch = 5

// Cache memoizes image results per logical key with time-based expiry.
// The whole map is JSON-serialized under a single KV key. Storage errors
// never reach callers; on persistent write failure the cache degrades to
// a no-op cache.
type Cache struct {
	kv         storage.KV
	storageKey string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func New(kv storage.KV, storageKey string, ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		kv:         kv,
		storageKey: storageKey,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	c.PurgeExpired()
	return c
}

// Lookup returns the live entry for key. A found-but-expired entry is
// purged as a side effect and reported as absent.
func (c *Cache) Lookup(key string) (Entry, bool) {
	entries := c.load()
	e, ok := entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.expired(e) {
		delete(entries, key)
		c.save(entries)
		return Entry{}, false
	}
	return e, true
}

// Store inserts or overwrites the entry for key with the current
// timestamp. On a write failure it evicts the oldest entries and retries
// exactly once; a second failure is swallowed.
func (c *Cache) Store(key, url, prompt string) {
	entries := c.load()

	if c.maxEntries > 0 {
		if _, exists := entries[key]; !exists && len(entries) >= c.maxEntries {
			evictOldest(entries, len(entries)-c.maxEntries+1)
		}
	}

	entries[key] = Entry{
		Key:          key,
		URL:          url,
		CreatedAt:    c.now().UnixMilli(),
		SourcePrompt: prompt,
	}

	if err := c.save(entries); err != nil {
		evictOldest(entries, evictBatch)
		c.save(entries)
	}
}

// PurgeExpired removes every entry older than the expiry window.
func (c *Cache) PurgeExpired() {
	entries := c.load()
	removed := 0
	for key, e := range entries {
		if c.expired(e) {
			delete(entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.save(entries)
	}
}

// Clear empties the cache and removes the persisted representation.
func (c *Cache) Clear() {
	c.kv.Delete(c.storageKey)
}

// Len reports the number of persisted entries, expired or not.
func (c *Cache) Len() int {
	return len(c.load())
}

func (c *Cache) expired(e Entry) bool {
	return c.now().UnixMilli()-e.CreatedAt > c.ttl.Milliseconds()
}

// load deserializes the cache map. Missing or corrupt state reads as an
// empty cache.
func (c *Cache) load() map[string]Entry {
	entries := make(map[string]Entry)
	raw, found, err := c.kv.Get(c.storageKey)
	if err != nil || !found {
		return entries
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return make(map[string]Entry)
	}
	return entries
}

func (c *Cache) save(entries map[string]Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.kv.Set(c.storageKey, string(raw))
}

func evictOldest(entries map[string]Entry, n int) {
	if n <= 0 {
		return
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return entries[keys[i]].CreatedAt < entries[keys[j]].CreatedAt
	})
	if n > len(keys) {
		n = len(keys)
	}
	for _, key := range keys[:n] {
		delete(entries, key)
	}
}
