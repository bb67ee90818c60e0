package commandqueue

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupTTL is how long a completed request id keeps its result.
const DefaultDedupTTL = 5 * time.Minute

type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// dedupCache remembers results by request id for a bounded time.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.sweep(ctx)

	return cache
}

// Stop ends the sweeper goroutine.
func (dc *dedupCache) Stop() {
	dc.cancel()
}

func (dc *dedupCache) Get(requestID string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[requestID]
	if !exists || time.Since(entry.timestamp) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) Set(requestID string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[requestID] = &dedupEntry{result: result, timestamp: time.Now()}
}

func (dc *dedupCache) sweep(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for id, entry := range dc.entries {
				if now.Sub(entry.timestamp) > dc.ttl {
					delete(dc.entries, id)
				}
			}
			dc.mu.Unlock()
		}
	}
}

func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}
