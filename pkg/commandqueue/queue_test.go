package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	result, err := q.Enqueue(context.Background(), SessionLane("a"), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "still works", nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "still works", result)
}

func TestQueue_SessionLaneIsSerial(t *testing.T) {
	q := New()
	defer q.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), SessionLane("same"), func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestQueue_DifferentSessionsRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), SessionLane(id), func(ctx context.Context) (interface{}, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			}, nil)
		}(id)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("sessions did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := New()
	defer q.Close()

	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.RunningCount("fifo") == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return q.QueueSize("fifo") == i+1 }, time.Second, 5*time.Millisecond)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestQueue_CancelWhileQueuedWithdraws(t *testing.T) {
	q := New()
	defer q.Close()

	gate := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.RunningCount("lane") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	_, err := q.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(gate)
	require.Eventually(t, func() bool { return q.RunningCount("lane") == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestQueue_RequestIDDeduplicates(t *testing.T) {
	q := New()
	defer q.Close()

	var calls int32
	task := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}
	opts := &TaskOptions{RequestID: "req-1"}

	first, err := q.Enqueue(context.Background(), "lane", task, opts)
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), "lane", task, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueue_IdleLanesAreEvicted(t *testing.T) {
	q := New()
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(context.Background(), SessionLane(id), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.LaneCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_SetConcurrency(t *testing.T) {
	q := New()
	defer q.Close()

	q.SetConcurrency("wide", 2)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "wide", func(ctx context.Context) (interface{}, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			}, nil)
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lane did not honour concurrency 2")
		}
	}
	close(release)
	wg.Wait()
	assert.Equal(t, 1, q.LaneCount())
}

func TestQueue_WarnAfter(t *testing.T) {
	q := New()
	defer q.Close()

	gate := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "slow", func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.RunningCount("slow") == 1 }, time.Second, 5*time.Millisecond)

	waited := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Enqueue(context.Background(), "slow", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait:    func(wait time.Duration, pos int) { waited <- pos },
		})
	}()

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
	close(gate)
	<-done
}

func TestQueue_CloseCancelsRunningAndRejectsNew(t *testing.T) {
	q := New()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return q.RunningCount("lane") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_WaitForActive(t *testing.T) {
	q := New()
	defer q.Close()

	assert.True(t, q.WaitForActive(10*time.Millisecond))
}
