package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(context.Background(), 50*time.Millisecond)
	cache.Stop()

	select {
	case <-cache.done:
	case <-time.After(time.Second):
		t.Fatalf("dedup cache sweeper did not stop within timeout")
	}
}

func TestDedupCache_Expiry(t *testing.T) {
	cache := newDedupCache(context.Background(), 20*time.Millisecond)
	defer cache.Stop()

	cache.Set("a", taskResult{value: 1})
	got, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got.value)

	assert.Eventually(t, func() bool {
		_, ok := cache.Get("a")
		return !ok && cache.Size() == 0
	}, time.Second, 10*time.Millisecond)
}
