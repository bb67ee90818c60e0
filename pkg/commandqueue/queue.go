package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is returned for tasks submitted to or still queued in a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task is a unit of work executed inside a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single submission.
type TaskOptions struct {
	// RequestID makes the submission idempotent for DefaultDedupTTL.
	RequestID string
	// WarnAfter logs (and calls OnWait) when the task is still queued after
	// this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

func (ls *laneState) idle() bool {
	return ls.running == 0 && len(ls.queue) == 0
}

// Option configures a Queue.
type Option func(*Queue)

// WithDedupTTL sets how long request ids are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.dedupTTL = ttl }
}

// Queue runs tasks in FIFO order per lane.
type Queue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedupTTL  time.Duration
	dedup     *dedupCache
}

// SessionLane names the lane that serializes a conversation session.
func SessionLane(sessionID string) string {
	return "session:" + sessionID
}

func laneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

// New creates a queue. Lanes are created on demand with concurrency 1.
func New(opts ...Option) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.dedup = newDedupCache(ctx, q.dedupTTL)
	return q
}

// Enqueue submits task to lane and blocks until it completes. If ctx ends
// while the task is still queued it is withdrawn and ctx.Err() returned; a
// running task observes the cancellation through its own context.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	if opts.RequestID != "" {
		if cached, ok := q.dedup.Get(opts.RequestID); ok {
			logger.Debug().Str("request_id", opts.RequestID).Msg("Returning cached result for repeated request")
			return cached.value, cached.err
		}
	}

	if q.ctx.Err() != nil {
		return nil, ErrClosed
	}

	record, queueSize := q.push(ctx, lane, task, opts)

	logger.Debug().
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, laneKind(lane), queueSize)

	if opts.WarnAfter > 0 {
		go q.warnIfWaiting(record, lane)
	}

	go q.processLane(lane)

	var res taskResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		if q.withdraw(lane, record) {
			res = taskResult{err: ctx.Err()}
		} else {
			res = <-record.result
		}
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	if opts.RequestID != "" && !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, ErrClosed) {
		q.dedup.Set(opts.RequestID, res)
	}
	return res.value, res.err
}

func (q *Queue) push(ctx context.Context, lane string, task Task, opts TaskOptions) (*taskRecord, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		q.lanes[lane] = ls
	}
	q.taskIDSeq++

	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	size := len(ls.queue)
	ls.mu.Unlock()

	return record, size
}

// withdraw removes a still-queued record, reporting whether it was found.
func (q *Queue) withdraw(lane string, record *taskRecord) bool {
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	q.mu.Unlock()
	if !ok {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) lane(lane string) *laneState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[lane]
}

func (q *Queue) processLane(lane string) {
	ls := q.lane(lane)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if q.ctx.Err() != nil {
			record.result <- taskResult{err: ErrClosed}
			continue
		}

		ls.running++
		q.wg.Add(1)
		go q.execute(lane, ls, record)
	}
}

func (q *Queue) execute(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, tracing.TracerQueue, "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := q.run(runCtx, record.task)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, laneKind(lane), duration, err == nil, queueSize)

	if queueSize > 0 {
		q.processLane(lane)
		return
	}
	q.evictIfIdle(lane, ls)
}

// run executes task, converting a panic into an error so the lane keeps going.
func (q *Queue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (q *Queue) evictIfIdle(lane string, ls *laneState) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.idle() && q.lanes[lane] == ls && ls.concurrency == 1 {
		delete(q.lanes, lane)
	}
}

func (q *Queue) warnIfWaiting(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.ctx.Done():
		return
	}

	ls := q.lane(lane)
	if ls == nil {
		return
	}
	ls.mu.Lock()
	pos := -1
	for i, r := range ls.queue {
		if r == record {
			pos = i
			break
		}
	}
	ls.mu.Unlock()

	if pos < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("queue_pos", pos).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, pos)
	}
}

// SetConcurrency changes how many tasks of lane may run at once. Lanes with
// a non-default concurrency are never evicted.
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: concurrency}
		q.lanes[lane] = ls
	}
	q.mu.Unlock()

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("old", old).Int("new", concurrency).Msg("Lane concurrency updated")
	if concurrency > old {
		go q.processLane(lane)
	}
}

// QueueSize returns the number of tasks waiting in lane.
func (q *Queue) QueueSize(lane string) int {
	ls := q.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of tasks executing in lane.
func (q *Queue) RunningCount(lane string) int {
	ls := q.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneCount returns the number of live lanes.
func (q *Queue) LaneCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// WaitForActive waits until no task is running, or the timeout elapses.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		q.mu.Lock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if ls.running > 0 {
				busy = true
			}
			ls.mu.Unlock()
		}
		q.mu.Unlock()

		if !busy {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, waits for them and rejects queued ones.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	for lane, ls := range q.lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
		delete(q.lanes, lane)
	}
	q.mu.Unlock()

	q.dedup.Stop()
	return nil
}
