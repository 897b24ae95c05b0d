package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/validation"
)

// taskCreationRule is the limiter rule consulted on every submission.
const taskCreationRule = "task_creation"

// Handle resolves to the terminal-state task.
type Handle struct {
	Task *models.Task
	done chan *models.Task
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*models.Task, error) {
	select {
	case t := <-h.done:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queueItem couples a pending task with its in-memory execution state. The
// input lives only here — it is never persisted.
type queueItem struct {
	task    *models.Task
	input   map[string]any
	handler Handler
	done    chan *models.Task
}

// activeEntry tracks one running task.
type activeEntry struct {
	task      *models.Task
	cancel    context.CancelFunc
	startedAt time.Time
}

// Executor is the bounded-concurrency task scheduler.
type Executor struct {
	cfg       Config
	store     Store
	chain     *audit.Chain
	limiter   *ratelimit.Limiter
	validator *validation.Validator
	checker   *rbac.Checker
	sandbox   *sandbox.Sandbox // nil = handlers run unwrapped
	publisher StatusPublisher  // nil = no fanout
	logger    *slog.Logger

	mu         sync.Mutex
	handlers   map[string]Registration
	active     map[string]*activeEntry
	queue      []*queueItem
	processing bool
	stopped    bool

	// runCtx parents every task execution so Stop cancels in-flight work.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an executor. sandbox and publisher may be nil.
func New(cfg Config, store Store, chain *audit.Chain, limiter *ratelimit.Limiter,
	validator *validation.Validator, checker *rbac.Checker, sb *sandbox.Sandbox) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig().MaxTimeout
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:       cfg,
		store:     store,
		chain:     chain,
		limiter:   limiter,
		validator: validator,
		checker:   checker,
		sandbox:   sb,
		logger:    slog.Default().With("component", "task-executor"),
		handlers:  make(map[string]Registration),
		active:    make(map[string]*activeEntry),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// SetPublisher wires the status fanout. Call before Submit traffic starts.
func (e *Executor) SetPublisher(p StatusPublisher) {
	e.publisher = p
}

// RegisterHandler binds a task type to its handler and permission set.
func (e *Executor) RegisterHandler(taskType string, reg Registration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = reg
}

// Stats returns current scheduler load.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Active: len(e.active), Queued: len(e.queue), MaxConcurrent: e.cfg.MaxConcurrent}
}

// Submit admits a task through the full gate sequence: input validation,
// rate limiting, handler resolution, RBAC, then persistence. Rejections
// never persist a task row.
func (e *Executor) Submit(ctx context.Context, create CreateTask, sctx models.SecurityContext) (*Handle, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.mu.Unlock()

	// 1. Validate untrusted fields. The payload is screened as canonical
	// JSON so nested injection attempts are visible to the regex families.
	if res := e.validator.Validate(create.Name, validation.Context{Field: "name", UserID: sctx.UserID}); !res.Valid {
		return nil, e.reject(ctx, create, sctx, res.BlockReason)
	}
	inputJSON := []byte("{}")
	if create.Input != nil {
		b, err := canonical.Marshal(create.Input)
		if err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("input not serialisable: %v", err)}
		}
		inputJSON = b
	}
	if res := e.validator.Validate(string(inputJSON), validation.Context{Field: "input", UserID: sctx.UserID}); !res.Valid {
		return nil, e.reject(ctx, create, sctx, res.BlockReason)
	}

	// 2. Rate limit task creation per user.
	decision, err := e.limiter.Check(taskCreationRule, sctx.UserID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		if _, aerr := e.chain.Record(ctx, audit.Entry{
			Level:   models.AuditLevelWarn,
			Event:   models.AuditEventTaskRateLimited,
			Message: fmt.Sprintf("task creation rate limited for user %s", sctx.UserID),
			UserID:  sctx.UserID,
			Metadata: map[string]any{
				"task_type":      create.Type,
				"retry_after_ms": decision.RetryAfter.Milliseconds(),
			},
		}); aerr != nil {
			return nil, fmt.Errorf("audit rate-limited rejection: %w", aerr)
		}
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	// 3. Resolve the handler.
	e.mu.Lock()
	reg, ok := e.handlers[create.Type]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, create.Type)
	}

	// 4. Enforce every required permission.
	for _, perm := range reg.RequiredPermissions {
		if err := e.checker.RequirePermission(sctx.Role, rbac.Request{Resource: perm.Resource, Action: perm.Action}); err != nil {
			e.chain.MustRecord(ctx, audit.Entry{
				Level:   models.AuditLevelWarn,
				Event:   models.AuditEventPermissionDenied,
				Message: fmt.Sprintf("task submission denied: %s requires %s", create.Type, perm),
				UserID:  sctx.UserID,
				Metadata: map[string]any{
					"role":       sctx.Role,
					"permission": perm.String(),
				},
			})
			return nil, err
		}
	}

	// 5. Materialise the task.
	inputHash, err := canonical.Hash(create.Input)
	if err != nil {
		return nil, fmt.Errorf("hash input: %w", err)
	}
	timeout := e.clampTimeout(create.TimeoutMs)
	asserted := make([]string, 0, len(reg.RequiredPermissions))
	for _, p := range reg.RequiredPermissions {
		asserted = append(asserted, p.String())
	}
	task := &models.Task{
		ID:            models.NewID(),
		CorrelationID: create.CorrelationID,
		ParentTaskID:  create.ParentTaskID,
		Type:          create.Type,
		Name:          create.Name,
		Description:   create.Description,
		InputHash:     inputHash,
		Status:        models.TaskStatusPending,
		TimeoutMs:     int(timeout.Milliseconds()),
		Security: models.SecurityContext{
			UserID:      sctx.UserID,
			Role:        sctx.Role,
			Permissions: asserted,
			IPAddress:   sctx.IPAddress,
			UserAgent:   sctx.UserAgent,
		},
		CreatedAt: time.Now().UTC(),
	}

	// 6. Persist and audit. An audit failure un-acknowledges the task.
	if err := e.store.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if _, err := e.chain.Record(ctx, audit.Entry{
		Event:         models.AuditEventTaskCreated,
		Message:       fmt.Sprintf("task %s created (%s)", task.ID, task.Type),
		UserID:        sctx.UserID,
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		Metadata:      map[string]any{"task_type": task.Type, "timeout_ms": task.TimeoutMs},
	}); err != nil {
		return nil, fmt.Errorf("audit task creation: %w", err)
	}

	// 7. Enqueue and hand back the resolution handle. The handle carries a
	// snapshot of the pending row so callers never race the execution
	// goroutine's mutations.
	item := &queueItem{task: task, input: create.Input, handler: reg.Handler, done: make(chan *models.Task, 1)}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.queue = append(e.queue, item)
	e.mu.Unlock()

	e.publishStatus(task)
	e.processQueue()
	snapshot := *task
	return &Handle{Task: &snapshot, done: item.done}, nil
}

// reject audits a validation rejection and returns the error. The task is
// never persisted; a failed audit write is fatal to the submission.
func (e *Executor) reject(ctx context.Context, create CreateTask, sctx models.SecurityContext, reason string) error {
	if _, err := e.chain.Record(ctx, audit.Entry{
		Level:   models.AuditLevelWarn,
		Event:   models.AuditEventTaskRejected,
		Message: fmt.Sprintf("task submission rejected: %s", reason),
		UserID:  sctx.UserID,
		Metadata: map[string]any{
			"task_type": create.Type,
			"reason":    reason,
		},
	}); err != nil {
		return fmt.Errorf("audit task rejection: %w", err)
	}
	return &ValidationError{Reason: reason}
}

// clampTimeout resolves the effective timeout: requested ?? default, capped
// by the configured maximum.
func (e *Executor) clampTimeout(requestedMs int) time.Duration {
	timeout := e.cfg.DefaultTimeout
	if requestedMs > 0 {
		timeout = time.Duration(requestedMs) * time.Millisecond
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}
	return timeout
}

// processQueue drains the queue while capacity allows. Re-entrant-safe via
// the processing flag; the drain loop re-polls after each admission so items
// enqueued mid-flush are covered.
func (e *Executor) processQueue() {
	e.mu.Lock()
	if e.processing || e.stopped {
		e.mu.Unlock()
		return
	}
	e.processing = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 || len(e.active) >= e.cfg.MaxConcurrent {
			e.processing = false
			e.mu.Unlock()
			return
		}
		item := e.queue[0]
		e.queue = e.queue[1:]

		taskCtx, cancel := context.WithTimeout(e.runCtx, time.Duration(item.task.TimeoutMs)*time.Millisecond)
		e.active[item.task.ID] = &activeEntry{task: item.task, cancel: cancel, startedAt: time.Now()}
		e.wg.Add(1)
		e.mu.Unlock()

		go func(item *queueItem, taskCtx context.Context, cancel context.CancelFunc) {
			defer e.wg.Done()
			e.executeTask(taskCtx, cancel, item)
		}(item, taskCtx, cancel)
	}
}

// executeTask drives one task from running to a terminal state.
func (e *Executor) executeTask(taskCtx context.Context, cancel context.CancelFunc, item *queueItem) {
	task := item.task
	logger := e.logger.With("task_id", task.ID, "task_type", task.Type)

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.active, task.ID)
		e.mu.Unlock()
		item.done <- task
		e.publishStatus(task)
		// Re-drain: completing this task freed a slot.
		e.processQueue()
	}()

	// pending → running
	now := time.Now().UTC()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	if err := e.store.Update(context.Background(), task); err != nil {
		logger.Error("Failed to persist running transition", "error", err)
	}
	e.publishStatus(task)

	output, usage, execErr := e.runHandler(taskCtx, item)

	// Whichever of handler completion and abort won decides the terminal
	// state; a late handler result after an abort is dropped.
	completed := time.Now().UTC()
	task.CompletedAt = &completed
	duration := completed.Sub(*task.StartedAt).Milliseconds()
	task.DurationMs = &duration
	if usage != nil {
		task.Resources = usage
	}

	var event string
	var level models.AuditLevel
	switch {
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		task.Status = models.TaskStatusTimeout
		task.Result = &models.TaskResult{
			Success: false,
			Error:   &models.TaskError{Code: "TIMEOUT", Message: "Task timeout", Recoverable: true},
		}
		event = models.AuditEventTaskTimeout
		level = models.AuditLevelWarn
	case taskCtx.Err() != nil:
		task.Status = models.TaskStatusCancelled
		task.Result = &models.TaskResult{
			Success: false,
			Error:   &models.TaskError{Code: "CANCELLED", Message: "Task cancelled", Recoverable: false},
		}
		event = models.AuditEventTaskCancelled
		level = models.AuditLevelInfo
	case execErr != nil:
		task.Status = models.TaskStatusFailed
		task.Result = &models.TaskResult{
			Success: false,
			Error:   &models.TaskError{Code: "EXECUTION_ERROR", Message: execErr.Error(), Recoverable: false},
		}
		event = models.AuditEventTaskFailed
		level = models.AuditLevelError
	default:
		outputHash, hashErr := canonical.Hash(string(output))
		if hashErr != nil {
			logger.Error("Failed to hash task output", "error", hashErr)
		}
		task.Status = models.TaskStatusCompleted
		task.Result = &models.TaskResult{Success: true, OutputHash: outputHash}
		event = models.AuditEventTaskCompleted
		level = models.AuditLevelInfo
	}

	// Terminal writes use a background context — taskCtx may be cancelled.
	if err := e.store.Update(context.Background(), task); err != nil {
		logger.Error("Failed to persist terminal state", "status", task.Status, "error", err)
	}
	e.chain.MustRecord(context.Background(), audit.Entry{
		Level:         level,
		Event:         event,
		Message:       fmt.Sprintf("task %s %s", task.ID, task.Status),
		UserID:        task.Security.UserID,
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		Metadata:      map[string]any{"duration_ms": duration, "task_type": task.Type},
	})

	logger.Info("Task finished", "status", task.Status, "duration_ms", duration)
}

// runHandler executes the handler, wrapped by the sandbox when configured.
// Returns the output, observed resource usage, and the execution error.
func (e *Executor) runHandler(taskCtx context.Context, item *queueItem) ([]byte, *models.ResourceUsage, error) {
	if e.sandbox == nil {
		out, err := e.runDirect(taskCtx, item)
		return out, nil, err
	}

	res := e.sandbox.Run(taskCtx, func(ctx context.Context) ([]byte, error) {
		return item.handler.Execute(ctx, item.task, item.input)
	})

	if len(res.Violations) > 0 {
		violations := make([]any, 0, len(res.Violations))
		for _, v := range res.Violations {
			violations = append(violations, map[string]any{"kind": v.Kind, "detail": v.Detail})
		}
		e.chain.MustRecord(context.Background(), audit.Entry{
			Level:   models.AuditLevelWarn,
			Event:   models.AuditEventSandboxViolation,
			Message: fmt.Sprintf("sandbox violations during task %s", item.task.ID),
			UserID:  item.task.Security.UserID,
			TaskID:  item.task.ID,
			Metadata: map[string]any{
				"violations":   violations,
				"wall_time_ms": res.Usage.WallTime.Milliseconds(),
				"alloc_mb":     res.Usage.AllocDelta,
			},
		})
	}

	usage := &models.ResourceUsage{
		PeakMemoryMB: res.Usage.AllocDelta,
		CPUTimeMs:    res.Usage.WallTime.Milliseconds(),
	}

	// Surface the sandbox error unless the run was already aborted — the
	// abort outcome is decided by taskCtx in executeTask.
	if res.Err != nil && taskCtx.Err() == nil {
		return res.Output, usage, res.Err
	}
	return res.Output, usage, nil
}

// runDirect races the handler against the abort signal without a sandbox.
func (e *Executor) runDirect(taskCtx context.Context, item *queueItem) ([]byte, error) {
	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		out, err := item.handler.Execute(taskCtx, item.task, item.input)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-taskCtx.Done():
		return nil, taskCtx.Err()
	}
}

// Cancel aborts an active task. Returns false when the task is not active
// (unknown, still queued under another id, or already terminal).
func (e *Executor) Cancel(ctx context.Context, taskID string, sctx models.SecurityContext) (bool, error) {
	e.mu.Lock()
	entry, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := e.checker.RequirePermission(sctx.Role, rbac.Request{Resource: "tasks", Action: "cancel"}); err != nil {
		e.chain.MustRecord(ctx, audit.Entry{
			Level:    models.AuditLevelWarn,
			Event:    models.AuditEventPermissionDenied,
			Message:  fmt.Sprintf("cancel of task %s denied for role %s", taskID, sctx.Role),
			UserID:   sctx.UserID,
			TaskID:   taskID,
			Metadata: map[string]any{"role": sctx.Role, "permission": "tasks:cancel"},
		})
		return false, err
	}

	entry.cancel()
	return true, nil
}

// Get returns a persisted task.
func (e *Executor) Get(ctx context.Context, id string) (*models.Task, error) {
	return e.store.Get(ctx, id)
}

// UpdateMeta persists caller-editable task metadata (name, type,
// description). Lifecycle fields are owned by the execution path.
func (e *Executor) UpdateMeta(ctx context.Context, t *models.Task) error {
	return e.store.Update(ctx, t)
}

// Delete removes a persisted task row.
func (e *Executor) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// List returns persisted tasks matching the filter plus the total count.
func (e *Executor) List(ctx context.Context, f ListFilter) ([]models.Task, int, error) {
	return e.store.List(ctx, f)
}

// Stop refuses new submissions, cancels in-flight tasks, and waits for their
// terminal transitions to persist. Safe to call multiple times.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()

	// Queued-but-never-started items resolve as cancelled without a running
	// transition.
	for _, item := range queued {
		item.task.Status = models.TaskStatusCancelled
		now := time.Now().UTC()
		item.task.CompletedAt = &now
		if err := e.store.Update(context.Background(), item.task); err != nil {
			e.logger.Error("Failed to persist queued-task cancellation", "task_id", item.task.ID, "error", err)
		}
		item.done <- item.task
	}

	e.runCancel()
	e.wg.Wait()
	e.logger.Info("Task executor stopped")
}

// publishStatus hands the publisher a snapshot so fanout serialisation never
// races the execution goroutine.
func (e *Executor) publishStatus(t *models.Task) {
	if e.publisher != nil {
		snapshot := *t
		e.publisher.PublishTaskStatus(&snapshot)
	}
}
