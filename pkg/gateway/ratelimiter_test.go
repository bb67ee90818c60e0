package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)

		for i := 0; i < 5; i++ {
			release, reason := limiter.Acquire()
			require.NotNil(t, release)
			assert.Empty(t, reason)
		}
		count, concurrent := limiter.Stats()
		assert.Equal(t, 5, count)
		assert.Equal(t, 5, concurrent)
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 3)

		for i := 0; i < 3; i++ {
			_, _ = limiter.Acquire()
		}

		release, reason := limiter.Acquire()
		assert.Nil(t, release)
		assert.Equal(t, "too many concurrent requests", reason)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(5, 10)

		for i := 0; i < 5; i++ {
			release, _ := limiter.Acquire()
			require.NotNil(t, release)
			release()
		}

		release, reason := limiter.Acquire()
		assert.Nil(t, release)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 2)

		first, _ := limiter.Acquire()
		second, _ := limiter.Acquire()
		first()
		first()

		_, concurrent := limiter.Stats()
		assert.Equal(t, 1, concurrent)
		second()
	})
}

func TestRateLimiter_PerClient(t *testing.T) {
	limiter := NewRateLimiter(1, 1)

	a, _ := limiter.client("10.0.0.1").Acquire()
	require.NotNil(t, a)
	b, _ := limiter.client("10.0.0.2").Acquire()
	require.NotNil(t, b)

	again, reason := limiter.client("10.0.0.1").Acquire()
	assert.Nil(t, again)
	assert.NotEmpty(t, reason)
}
