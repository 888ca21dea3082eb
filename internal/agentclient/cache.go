package agentclient

import (
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// stableHash is the agent's local result-cache key: FNV-1a (64-bit) over
// type + "\x00" + description, hex-encoded. Unlike a language-runtime string
// hash, this is stable across process restarts and across machines.
func stableHash(taskType, description string) string {
	h := fnv.New64a()
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

// cacheEntry is one cached task result, keyed by stableHash.
type cacheEntry struct {
	Result     map[string]any `json:"result"`
	TaskError  string         `json:"task_error,omitempty"`
	SizeBytes  int64          `json:"size_bytes"`
	LastAccess time.Time      `json:"last_access"`
}

// resultCache is the agent's single-writer, two-tiered local result cache
// (§4.5 "Cache backing"): an in-memory map guarded by the owning loop, with
// an optional on-disk mirror under dir used only to repopulate the map on
// startup. The on-disk mirror is a cache, not a source of truth — a missing
// or corrupt file is a miss, never an error.
type resultCache struct {
	dir        string
	maxBytes   int64
	logger     *slog.Logger
	entries    map[string]*cacheEntry
	totalBytes int64
}

func newResultCache(dir string, maxSizeMB int, logger *slog.Logger) *resultCache {
	c := &resultCache{
		dir:      dir,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		logger:   logger,
		entries:  make(map[string]*cacheEntry),
	}
	c.loadFromDisk()
	return c
}

func (c *resultCache) loadFromDisk() {
	if c.dir == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return // cache, not a source of truth: missing dir is a miss
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		key := strTrimJSONSuffix(de.Name())
		data, err := os.ReadFile(filepath.Join(c.dir, de.Name()))
		if err != nil {
			continue // corrupt/unreadable mirror file: treated as a miss
		}
		var ce cacheEntry
		if err := json.Unmarshal(data, &ce); err != nil {
			continue
		}
		ce.SizeBytes = int64(len(data))
		c.entries[key] = &ce
		c.totalBytes += ce.SizeBytes
	}
	c.evictOverBudget()
}

func strTrimJSONSuffix(name string) string {
	const suffix = ".json"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// Get returns the cached result for key, if present.
func (c *resultCache) Get(key string) (map[string]any, string, bool) {
	ce, ok := c.entries[key]
	if !ok {
		return nil, "", false
	}
	ce.LastAccess = time.Now()
	return ce.Result, ce.TaskError, true
}

// Put stores a task's outcome under key, mirroring it to disk when a cache
// directory is configured, then evicts oldest-access-first entries over the
// configured size budget.
func (c *resultCache) Put(key string, result map[string]any, taskErr string) {
	data, err := json.Marshal(cacheEntry{Result: result, TaskError: taskErr, LastAccess: time.Now()})
	if err != nil {
		return
	}
	ce := &cacheEntry{Result: result, TaskError: taskErr, SizeBytes: int64(len(data)), LastAccess: time.Now()}
	if old, ok := c.entries[key]; ok {
		c.totalBytes -= old.SizeBytes
	}
	c.entries[key] = ce
	c.totalBytes += ce.SizeBytes

	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o755); err == nil {
			path := filepath.Join(c.dir, key+".json")
			if err := os.WriteFile(path, data, 0o644); err != nil && c.logger != nil {
				c.logger.Warn("result_cache_write_failed", "key", key, "error", err)
			}
		}
	}
	c.evictOverBudget()
}

// evictOverBudget removes oldest-access-first entries until the in-memory
// cache is back under maxBytes. A maxBytes of 0 disables the budget.
func (c *resultCache) evictOverBudget() {
	if c.maxBytes <= 0 || c.totalBytes <= c.maxBytes {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].LastAccess.Before(c.entries[keys[j]].LastAccess)
	})
	for _, k := range keys {
		if c.totalBytes <= c.maxBytes {
			break
		}
		c.totalBytes -= c.entries[k].SizeBytes
		delete(c.entries, k)
		if c.dir != "" {
			_ = os.Remove(filepath.Join(c.dir, k+".json"))
		}
	}
}
