package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/petal-labs/conduit/core"
)

// KeyFunc derives the cache key for a request. Returning empty skips the
// cache for that request.
type KeyFunc func(req *core.ChatRequest) string

// DefaultKey hashes the messages, parameters and tools of a request.
// Metadata is excluded so the per-request ID does not defeat caching.
func DefaultKey(req *core.ChatRequest) string {
	keyed := struct {
		Messages   []core.Message        `json:"messages"`
		Parameters *core.Parameters      `json:"parameters,omitempty"`
		Tools      []core.ToolDefinition `json:"tools,omitempty"`
		ToolChoice *core.ToolChoice      `json:"toolChoice,omitempty"`
	}{req.Messages, req.Parameters, req.Tools, req.ToolChoice}

	raw, err := json.Marshal(keyed)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CacheConfig configures the cache middleware.
type CacheConfig struct {
	// TTL bounds entry lifetime (default: 5m).
	TTL time.Duration
	// Key derives cache keys (default: DefaultKey).
	Key KeyFunc
	// CacheStreams enables stream caching: a miss collects the stream
	// (buffering it fully, a documented exception to the no-buffering
	// rule) and a hit replays the recorded chunks.
	CacheStreams bool
}

type cacheEntry struct {
	resp      *core.ChatResponse
	chunks    []core.StreamChunk
	expiresAt time.Time
}

// Cache memoizes responses by request content. Hits return a deep copy
// carrying the incoming RequestID, never the cached one.
type Cache struct {
	cfg CacheConfig

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewCache creates the cache middleware.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Key == nil {
		cfg.Key = DefaultKey
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Name implements core.Middleware.
func (c *Cache) Name() string { return "cache" }

// WrapChat implements core.Middleware.
func (c *Cache) WrapChat(next core.ChatHandler) core.ChatHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		key := c.cfg.Key(req)
		if key == "" {
			return next(ctx, req)
		}

		if entry := c.lookup(key); entry != nil && entry.resp != nil {
			resp := entry.resp.Clone()
			resp.Metadata.RequestID = req.Metadata.RequestID
			return resp, nil
		}

		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		c.store(key, &cacheEntry{resp: resp.Clone()})
		return resp, nil
	}
}

// WrapStream implements core.Middleware.
func (c *Cache) WrapStream(next core.StreamHandler) core.StreamHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
		if !c.cfg.CacheStreams {
			return next(ctx, req)
		}
		key := c.cfg.Key(req)
		if key == "" {
			return next(ctx, req)
		}

		if entry := c.lookup(key); entry != nil && entry.chunks != nil {
			return replay(entry.chunks, req.Metadata.RequestID), nil
		}

		inner, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.record(key, inner), nil
	}
}

// lookup returns a live entry, dropping expired ones.
func (c *Cache) lookup(key string) *cacheEntry {
	c.mu.RLock()
	entry := c.entries[key]
	c.mu.RUnlock()
	if entry == nil {
		return nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil
	}
	return entry
}

func (c *Cache) store(key string, entry *cacheEntry) {
	entry.expiresAt = c.now().Add(c.cfg.TTL)
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// record passes a stream through while buffering its chunks; the entry is
// stored only when the stream completes successfully.
func (c *Cache) record(key string, inner *core.ChatStream) *core.ChatStream {
	ch := make(chan core.StreamChunk, 16)
	out := &core.ChatStream{C: ch}
	out.SetCancel(inner.Cancel)

	go func() {
		defer close(ch)
		var chunks []core.StreamChunk
		failed := false
		for chunk := range inner.C {
			chunks = append(chunks, chunk)
			if chunk.Type == core.ChunkError {
				failed = true
			}
			ch <- chunk
		}
		if !failed && len(chunks) > 0 {
			c.store(key, &cacheEntry{chunks: chunks})
		}
	}()
	return out
}

// replay emits recorded chunks with the hit's request ID substituted into
// the start metadata.
func replay(chunks []core.StreamChunk, requestID string) *core.ChatStream {
	ch := make(chan core.StreamChunk, len(chunks))
	out := &core.ChatStream{C: ch}

	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			if chunk.Type == core.ChunkStart && chunk.Metadata != nil {
				md := chunk.Metadata.Clone()
				md.RequestID = requestID
				chunk.Metadata = &md
			}
			ch <- chunk
		}
	}()
	return out
}

// Invalidate drops a single entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops all entries.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}
