package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jstrand/hermod/internal/observability"
	"github.com/jstrand/hermod/internal/tracing"
)

// DefaultLane receives tasks enqueued without an explicit lane. Its
// concurrency limit of 1 serializes all such work.
const DefaultLane = "main"

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task admission
type TaskOptions struct {
	// WarnAfterMs is the queue-wait threshold after which OnWait fires,
	// provided the task has not started yet.
	WarnAfterMs int
	// OnWait receives the elapsed wait and the number of tasks that were
	// ahead in the lane at enqueue time. It fires at most once.
	OnWait func(waitedMs int64, tasksAhead int)
}

type taskResult struct {
	value interface{}
	err   error
}

// taskRecord tracks a task from admission to completion
type taskRecord struct {
	id             string
	task           Task
	ctx            context.Context
	generation     int // captured when dispatched, not when enqueued
	enqueuedAt     time.Time
	aheadAtEnqueue int
	started        bool
	options        TaskOptions
	result         taskResult
	done           chan struct{}
}

// Handle is the caller's view of an admitted task.
type Handle struct {
	record *taskRecord
}

// Wait blocks until the task settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.record.done:
		return h.record.result.value, h.record.result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the task has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.record.done
}

// laneState manages admission state for a single lane
type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	active      map[string]*taskRecord
	mu          sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued" or "completed"
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// Registry owns a collection of lanes and provides queue, drain and reset
// operations across all of them. Create one per process and inject it.
type Registry struct {
	lanes map[string]*laneState
	mu    sync.RWMutex
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a Registry with the default lane
func New() *Registry {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}

	r.initLane(DefaultLane, 1)

	return r
}

// initLane initializes a lane with the given concurrency
func (r *Registry) initLane(lane string, concurrency int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.lanes[lane]; !exists {
		r.lanes[lane] = &laneState{
			concurrency: concurrency,
			queue:       make([]*taskRecord, 0),
			active:      make(map[string]*taskRecord),
		}
		log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

// ensureLane creates a lane with concurrency 1 if it doesn't exist
func (r *Registry) ensureLane(lane string) *laneState {
	r.mu.RLock()
	ls, exists := r.lanes[lane]
	r.mu.RUnlock()
	if exists {
		return ls
	}

	r.initLane(lane, 1)

	r.mu.RLock()
	ls = r.lanes[lane]
	r.mu.RUnlock()
	return ls
}

// Enqueue admits a task to the default lane
func (r *Registry) Enqueue(ctx context.Context, task Task, options *TaskOptions) *Handle {
	return r.EnqueueInLane(ctx, DefaultLane, task, options)
}

// EnqueueInLane admits a task to the named lane and returns a handle that
// settles with the task's result or error.
func (r *Registry) EnqueueInLane(ctx context.Context, lane string, task Task, options *TaskOptions) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"hermod.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	if tracing.GetLane(ctx) == "" {
		ctx = tracing.WithLane(ctx, lane)
	}

	ls := r.ensureLane(lane)

	taskID := fmt.Sprintf("%s-%s", lane, gonanoid.Must(10))
	ctx = tracing.WithTaskID(ctx, taskID)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		done:       make(chan struct{}),
	}

	ls.mu.Lock()
	record.aheadAtEnqueue = len(ls.queue)
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	r.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: taskID,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfterMs > 0 && opts.OnWait != nil {
		go r.startWarnTimer(ls, record, lane)
	}

	r.dispatchLane(lane, ls)

	return &Handle{record: record}
}

// Run admits a task to the default lane and blocks for its result
func (r *Registry) Run(ctx context.Context, task Task, options *TaskOptions) (interface{}, error) {
	return r.Enqueue(ctx, task, options).Wait(ctx)
}

// RunInLane admits a task to the named lane and blocks for its result
func (r *Registry) RunInLane(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	return r.EnqueueInLane(ctx, lane, task, options).Wait(ctx)
}

// dispatchLane starts queued tasks while the lane has capacity
func (r *Registry) dispatchLane(lane string, ls *laneState) {
	ls.mu.Lock()

	var started []*taskRecord
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// The generation a completion is judged against is the one in
		// force when the task starts. Tasks still queued across a reset
		// therefore dispatch under the new generation.
		record.generation = ls.generation
		record.started = true
		ls.running++
		ls.active[record.id] = record
		started = append(started, record)
	}
	running := ls.running
	ls.mu.Unlock()

	observability.SetActiveTasks(lane, running)

	for _, record := range started {
		logger := tracing.LoggerFromContext(record.ctx, log.Logger)
		logger.Debug().
			Int("running", running).
			Msg("Task started")

		r.wg.Add(1)
		go r.executeTask(lane, ls, record)
	}
}

// executeTask runs a single task and settles its handle
func (r *Registry) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer r.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"hermod.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(r.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()

	value, err := runTaskSafe(runCtx, record.task)

	duration := time.Since(startTime)

	ls.mu.Lock()
	delete(ls.active, record.id)
	// A completion from before a reset must not decrement the new
	// generation's active count.
	if record.generation == ls.generation && ls.running > 0 {
		ls.running--
	}
	queueSize := len(ls.queue)
	running := ls.running
	ls.mu.Unlock()

	record.result = taskResult{value: value, err: err}
	close(record.done)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	observability.SetActiveTasks(lane, running)

	r.emit(Event{
		Type:   "completed",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	r.dispatchLane(lane, ls)
}

// runTaskSafe converts a panicking task into a failed one
func runTaskSafe(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return task(ctx)
}

// startWarnTimer fires OnWait once if the task is still queued past its threshold
func (r *Registry) startWarnTimer(ls *laneState, record *taskRecord, lane string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		stillQueued := !record.started
		ls.mu.Unlock()

		if stillQueued {
			waitedMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Int64("waitedMs", waitedMs).
				Int("tasksAhead", record.aheadAtEnqueue).
				Msg("Task waiting longer than expected")

			record.options.OnWait(waitedMs, record.aheadAtEnqueue)
		}
	case <-record.done:
		return
	case <-r.ctx.Done():
		return
	}
}

// GetQueueSize returns the number of queued tasks for a lane. An empty lane
// name aggregates across all lanes.
func (r *Registry) GetQueueSize(lane string) int {
	if lane == "" {
		total := 0
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, ls := range r.lanes {
			ls.mu.Lock()
			total += len(ls.queue)
			ls.mu.Unlock()
		}
		return total
	}

	r.mu.RLock()
	ls, exists := r.lanes[lane]
	r.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetActiveTaskCount returns the number of currently executing tasks for a
// lane. An empty lane name aggregates across all lanes.
func (r *Registry) GetActiveTaskCount(lane string) int {
	if lane == "" {
		total := 0
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, ls := range r.lanes {
			ls.mu.Lock()
			total += ls.running
			ls.mu.Unlock()
		}
		return total
	}

	r.mu.RLock()
	ls, exists := r.lanes[lane]
	r.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns queue, running and concurrency numbers for all lanes
func (r *Registry) GetStats() map[string]map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range r.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}

	return stats
}

// SetLaneConcurrency updates the concurrency limit for a lane. Raising the
// limit dispatches additional queued work immediately.
func (r *Registry) SetLaneConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	ls := r.ensureLane(lane)

	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		r.dispatchLane(lane, ls)
	}
}

// WaitForActiveTasks waits until every task that was executing at call time
// has settled, or the timeout elapses. Tasks started afterward do not extend
// the wait. It reports whether the snapshot fully drained. Nothing is
// cancelled either way.
func (r *Registry) WaitForActiveTasks(timeout time.Duration) bool {
	var snapshot []*taskRecord

	r.mu.RLock()
	for _, ls := range r.lanes {
		ls.mu.Lock()
		for _, record := range ls.active {
			snapshot = append(snapshot, record)
		}
		ls.mu.Unlock()
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for _, record := range snapshot {
		select {
		case <-record.done:
		case <-deadline.C:
			log.Warn().
				Dur("timeout", timeout).
				Int("snapshot", len(snapshot)).
				Msg("Timeout waiting for active tasks")
			return false
		}
	}

	log.Info().Int("snapshot", len(snapshot)).Msg("All active tasks completed")
	return true
}

// ResetAllLanes bumps every lane's generation and re-runs dispatch so queued
// work proceeds instead of staying blocked behind orphaned active slots.
// Completions from before the reset become bookkeeping no-ops. Idempotent
// and safe to call with no lanes present.
func (r *Registry) ResetAllLanes() {
	r.mu.RLock()
	lanes := make(map[string]*laneState, len(r.lanes))
	for lane, ls := range r.lanes {
		lanes[lane] = ls
	}
	r.mu.RUnlock()

	for lane, ls := range lanes {
		ls.mu.Lock()
		ls.generation++
		ls.running = 0
		ls.active = make(map[string]*taskRecord)
		generation := ls.generation
		ls.mu.Unlock()

		log.Info().Str("lane", lane).Int("generation", generation).Msg("Lane reset")

		r.dispatchLane(lane, ls)
	}

	observability.RecordLaneReset()
}

// Close cancels the contexts of running tasks and waits for them to settle
func (r *Registry) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (r *Registry) On(eventType string, handler EventHandler) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()

	r.eventHandlers[eventType] = append(r.eventHandlers[eventType], handler)
}

// Off removes all event handlers for the event type
func (r *Registry) Off(eventType string) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()

	delete(r.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (r *Registry) emit(event Event) {
	r.eventMu.RLock()
	handlers := r.eventHandlers[event.Type]
	r.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
