// Package worker runs the claim-execute loop: a pool of workers polling the
// task store, executing registered handlers under a renewed lease, and
// recording every stage in the trace ledger.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/loopboard/agentd/internal/config"
	"github.com/loopboard/agentd/internal/otel"
	"github.com/loopboard/agentd/internal/payload"
	"github.com/loopboard/agentd/internal/persistence"
	"github.com/loopboard/agentd/internal/retry"
	"github.com/loopboard/agentd/internal/shared"
)

// Handler executes one task kind. The context is canceled when the task's
// lease is lost (admin cancel/requeue or reclaim), so handlers doing long
// work must watch ctx and stop.
type Handler interface {
	Handle(ctx context.Context, task *persistence.Task) (result string, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *persistence.Task) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, task *persistence.Task) (string, error) {
	return f(ctx, task)
}

// Options configures a Pool.
type Options struct {
	Workers         int
	RoomConcurrency int
	IDPrefix        string
	// Tunables is read on every loop iteration so config hot reload applies
	// without restarting the pool.
	Tunables func() config.Tunables
}

// Pool is a set of claim-execute workers over one store.
type Pool struct {
	store    *persistence.Store
	logger   *slog.Logger
	metrics  *otel.Metrics // may be nil
	tunables func() config.Tunables
	limits   *limiter
	workers  int
	idPrefix string

	// Heartbeat telemetry, shared across the pool's workers.
	active   atomic.Int64
	queueLag atomic.Int64

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewPool(store *persistence.Store, opts Options, logger *slog.Logger, metrics *otel.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = "worker"
	}
	if opts.Tunables == nil {
		tun := config.Tunables{
			LeaseTTL:    30 * time.Second,
			PollMin:     250 * time.Millisecond,
			PollMax:     5 * time.Second,
			MaxAttempts: 3,
			RetryBase:   500 * time.Millisecond,
			RetryMax:    30 * time.Second,
			JitterRatio: 0.2,
		}
		opts.Tunables = func() config.Tunables { return tun }
	}
	return &Pool{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		tunables: opts.Tunables,
		limits:   newLimiter(opts.RoomConcurrency),
		workers:  opts.Workers,
		idPrefix: opts.IDPrefix,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task kind. Later registrations win.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Run blocks until ctx is canceled, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.idPrefix, i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ctx = shared.WithWorkerID(ctx, workerID)
	logger := p.logger.With("worker_id", workerID)

	tun := p.tunables()
	idle := tun.PollMin
	p.beat(ctx, workerID, persistence.WorkerOnline, "")

	for {
		if ctx.Err() != nil {
			p.shutdown(workerID)
			return
		}
		tun = p.tunables()

		task, err := p.store.Claim(ctx, workerID, tun.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				p.shutdown(workerID)
				return
			}
			logger.Error("claim failed", "error", err)
			if !sleepCtx(ctx, idle) {
				p.shutdown(workerID)
				return
			}
			continue
		}
		if task == nil {
			p.beat(ctx, workerID, persistence.WorkerOnline, "")
			if !sleepCtx(ctx, idle) {
				p.shutdown(workerID)
				return
			}
			// Empty polls back off toward PollMax; any claim resets the curve.
			idle *= 2
			if idle > tun.PollMax {
				idle = tun.PollMax
			}
			continue
		}
		idle = tun.PollMin
		p.queueLag.Store(time.Since(task.CreatedAt).Milliseconds())
		p.execute(ctx, logger, workerID, task, tun)
	}
}

func (p *Pool) shutdown(workerID string) {
	// ctx is gone; give the heartbeat write its own deadline.
	dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.beat(dctx, workerID, persistence.WorkerOffline, "")
}

// beat records a heartbeat with the pool's current load telemetry.
func (p *Pool) beat(ctx context.Context, workerID, health, currentTaskID string) {
	_ = p.store.UpsertHeartbeat(ctx, persistence.Heartbeat{
		WorkerID:      workerID,
		Host:          hostname,
		PID:           os.Getpid(),
		Health:        health,
		CurrentTaskID: currentTaskID,
		ActiveTasks:   int(p.active.Load()),
		QueueLagMS:    p.queueLag.Load(),
	})
}

func (p *Pool) execute(ctx context.Context, logger *slog.Logger, workerID string, task *persistence.Task, tun config.Tunables) {
	params := payload.Parse(task.Params)
	traceID := params.Correlation("trace_id", "traceId")
	if traceID == "" {
		traceID = task.ID
	}
	resourceKey := params.Correlation("resource_key", "resourceKey")

	if !p.limits.acquire(task.ID, task.Room, resourceKey) {
		// Slot conflict is not a failed attempt: hand the task back with a
		// short delay and let another claim pick it up.
		if _, err := p.store.ReleaseForRetry(ctx, task.ID, task.LeaseToken, tun.PollMin); err != nil {
			logger.Error("release after slot conflict failed", "task_id", task.ID, "error", err)
		}
		logger.Debug("slot conflict, task released",
			"task_id", task.ID, "room", task.Room, "resource_key", resourceKey)
		return
	}
	defer p.limits.release(task.ID, task.Room, resourceKey)

	// The attempt counter moves only once the task holds an execution slot, so
	// slot conflicts above never burn retry budget.
	attempt, started, err := p.store.StartAttempt(ctx, task.ID, task.LeaseToken)
	if err != nil {
		logger.Error("start attempt", "task_id", task.ID, "error", err)
		return
	}
	if !started {
		logger.Warn("lease lost before execution started", "task_id", task.ID)
		return
	}
	task.Attempt = attempt

	p.active.Add(1)
	defer p.active.Add(-1)

	ctx = shared.WithTraceID(shared.WithTaskID(shared.WithRoom(ctx, task.Room), task.ID), traceID)
	logger = logger.With("task_id", task.ID, "kind", task.Kind, "trace_id", traceID)
	p.beat(ctx, workerID, persistence.WorkerOnline, task.ID)

	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "task.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskKind.String(task.Kind),
		otel.AttrRoom.String(task.Room),
		otel.AttrWorkerID.String(workerID),
	)
	defer span.End()

	if p.metrics != nil {
		p.metrics.TasksClaimed.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskKind.String(task.Kind)))
		p.metrics.ClaimLatency.Record(ctx, time.Since(task.CreatedAt).Seconds())
		p.metrics.ActiveTasks.Add(ctx, 1)
		defer p.metrics.ActiveTasks.Add(ctx, -1)
	}

	p.appendTrace(ctx, persistence.TraceEvent{
		TraceID: traceID, RequestID: task.RequestID, TaskID: task.ID,
		Kind: task.Kind, Room: task.Room,
		Stage: "dispatch", Status: persistence.EventStarted,
		Message: task.Kind,
		Detail: payload.Map{
			"worker_id": workerID, "host": hostname, "pid": os.Getpid(),
			"attempt": task.Attempt, "max_attempts": task.MaxAttempts,
		}.Encode(),
	})

	handler, ok := p.handler(task.Kind)
	if !ok {
		msg := fmt.Sprintf("no handler registered for kind %q", task.Kind)
		if _, err := p.store.FailTask(ctx, task.ID, task.LeaseToken, msg); err != nil {
			logger.Error("fail task", "error", err)
		}
		p.appendTrace(ctx, persistence.TraceEvent{
			TraceID: traceID, RequestID: task.RequestID, TaskID: task.ID,
			Kind: task.Kind, Room: task.Room,
			Stage: "execute", Status: persistence.EventFailed, Message: msg,
		})
		p.countFailed(ctx, task.Kind)
		logger.Error("unroutable task", "error", msg)
		return
	}

	// The task context dies when the lease does, so a canceled or requeued
	// task stops doing work instead of racing the next claimant.
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renewLoop(taskCtx, cancelTask, logger, task, tun.LeaseTTL)
	}()

	startedAt := time.Now()
	result, err := handler.Handle(taskCtx, task)
	cancelTask()
	<-renewDone
	duration := time.Since(startedAt)
	if p.metrics != nil {
		p.metrics.TaskDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(otel.AttrTaskKind.String(task.Kind)))
	}

	if err == nil {
		ok, cerr := p.store.CompleteTask(ctx, task.ID, task.LeaseToken, result)
		if cerr != nil {
			logger.Error("complete task", "error", cerr)
			return
		}
		if !ok {
			logger.Warn("lease lost before completion; result dropped")
			return
		}
		p.appendTrace(ctx, persistence.TraceEvent{
			TraceID: traceID, RequestID: task.RequestID, TaskID: task.ID,
			Kind: task.Kind, Room: task.Room,
			Stage: "execute", Status: persistence.EventCompleted,
			Detail: payload.Map{"duration_ms": duration.Milliseconds()}.Encode(),
		})
		if p.metrics != nil {
			p.metrics.TasksSucceeded.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskKind.String(task.Kind)))
		}
		logger.Info("task succeeded", "attempt", task.Attempt, "duration_ms", duration.Milliseconds())
		return
	}

	if task.Attempt < task.MaxAttempts {
		delay := retry.BackoffDelay(task.Attempt, retry.Options{
			InitialDelay: tun.RetryBase,
			MaxDelay:     tun.RetryMax,
			JitterRatio:  tun.JitterRatio,
		})
		requeued, rerr := p.store.RetryLater(ctx, task.ID, task.LeaseToken, delay, err.Error())
		if rerr != nil {
			logger.Error("retry later", "error", rerr)
			return
		}
		if !requeued {
			logger.Warn("lease lost before retry scheduling", "error", err)
			return
		}
		p.appendTrace(ctx, persistence.TraceEvent{
			TraceID: traceID, RequestID: task.RequestID, TaskID: task.ID,
			Kind: task.Kind, Room: task.Room,
			Stage: "execute", Status: persistence.EventFailed, Message: err.Error(),
			Detail: payload.Map{
				"error": err.Error(), "attempt": task.Attempt,
				"worker_id": workerID, "host": hostname, "pid": os.Getpid(),
				"will_retry": true, "retry_delay_ms": delay.Milliseconds(),
			}.Encode(),
		})
		if p.metrics != nil {
			p.metrics.TasksRetried.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskKind.String(task.Kind)))
		}
		logger.Warn("task attempt failed, retry scheduled",
			"attempt", task.Attempt, "max_attempts", task.MaxAttempts,
			"retry_delay_ms", delay.Milliseconds(), "error", err)
		return
	}

	failed, ferr := p.store.FailTask(ctx, task.ID, task.LeaseToken, err.Error())
	if ferr != nil {
		logger.Error("fail task", "error", ferr)
		return
	}
	if !failed {
		logger.Warn("lease lost before failure recording", "error", err)
		return
	}
	p.appendTrace(ctx, persistence.TraceEvent{
		TraceID: traceID, RequestID: task.RequestID, TaskID: task.ID,
		Kind: task.Kind, Room: task.Room,
		Stage: "execute", Status: persistence.EventFailed, Message: err.Error(),
		Detail: payload.Map{
			"error": err.Error(), "attempt": task.Attempt,
			"worker_id": workerID, "host": hostname, "pid": os.Getpid(),
		}.Encode(),
	})
	p.countFailed(ctx, task.Kind)
	span.RecordError(err)
	logger.Error("task failed permanently",
		"attempt", task.Attempt, "max_attempts", task.MaxAttempts, "error", err)
}

// renewLoop extends the lease at a third of its TTL. A renewal that reports
// the lease gone cancels the task context.
func (p *Pool) renewLoop(ctx context.Context, cancelTask context.CancelFunc, logger *slog.Logger, task *persistence.Task, ttl time.Duration) {
	interval := ttl / 3
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.RenewLease(ctx, task.ID, task.LeaseToken, ttl)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("lease renewal failed", "error", err)
				}
				continue
			}
			if !ok {
				logger.Warn("lease no longer held, canceling task work")
				cancelTask()
				return
			}
		}
	}
}

func (p *Pool) appendTrace(ctx context.Context, ev persistence.TraceEvent) {
	if _, err := p.store.AppendTraceEvent(ctx, ev); err != nil && ctx.Err() == nil {
		p.logger.Error("append trace event", "stage", ev.Stage, "error", err)
	}
}

func (p *Pool) countFailed(ctx context.Context, kind string) {
	if p.metrics != nil {
		p.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskKind.String(kind)))
	}
}

var hostname, _ = os.Hostname()

// sleepCtx sleeps for d, returning false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
