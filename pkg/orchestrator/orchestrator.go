package orchestrator

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
)

// Handler executes one attempt of a task and returns its result
// payload. A TransientExternal or Timeout error makes the attempt
// retryable; any other error fails the task outright.
type Handler func(ctx context.Context, task *Task) (json.RawMessage, error)

// Orchestrator runs queued tasks on a bounded worker pool, retrying
// transient failures with exponential backoff and enforcing the task
// state machine through the queue.
type Orchestrator struct {
	queue    *Queue
	cfg      config.OrchestratorConfig
	handlers map[TaskKind]Handler
	logger   *logging.Logger

	pool    *pool.Pool
	work    chan string
	baseCtx context.Context
	stop    context.CancelFunc

	// cancels tracks in-flight tasks so Cancel can reach them.
	cancels sync.Map // task id -> context.CancelFunc

	closeOnce sync.Once
}

// New builds an orchestrator over the given queue and handler table and
// starts its workers. Call Close to drain them.
func New(queue *Queue, handlers map[TaskKind]Handler, cfg config.OrchestratorConfig) *Orchestrator {
	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		queue:    queue,
		cfg:      cfg,
		handlers: handlers,
		logger:   logging.GetLogger(),
		pool:     pool.New().WithMaxGoroutines(cfg.MaxConcurrent),
		work:     make(chan string, 256),
		baseCtx:  baseCtx,
		stop:     stop,
	}
	for i := 0; i < cfg.MaxConcurrent; i++ {
		o.pool.Go(o.workerLoop)
	}
	o.recover()
	return o
}

// recover re-dispatches tasks a previous process left unfinished, so a
// restart never strands durable pending or retrying rows.
func (o *Orchestrator) recover() {
	ids, err := o.queue.RecoverStale(o.baseCtx)
	if err != nil {
		o.logger.Error(o.baseCtx, "failed to recover unfinished tasks: %v", err)
		return
	}
	for _, id := range ids {
		o.dispatch(id)
	}
	if len(ids) > 0 {
		o.logger.Info(o.baseCtx, "requeued %d unfinished tasks", len(ids))
	}
}

// Submit admits a task and hands it to the workers. It never blocks on
// task execution; the returned task is in pending state.
func (o *Orchestrator) Submit(ctx context.Context, kind TaskKind, payload json.RawMessage) (*Task, error) {
	if _, ok := o.handlers[kind]; !ok {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "unknown task kind"),
			errors.Fields{"kind": kind},
		)
	}
	task, err := o.queue.Create(ctx, kind, payload)
	if err != nil {
		return nil, err
	}

	o.dispatch(task.ID)
	o.logger.Info(ctx, "admitted %s task %s", kind, task.ID)
	return task, nil
}

// dispatch hands a task id to the workers without ever blocking the
// caller.
func (o *Orchestrator) dispatch(id string) {
	select {
	case o.work <- id:
	default:
		// Backlog exceeded the channel buffer; hand off asynchronously.
		go func() {
			select {
			case o.work <- id:
			case <-o.baseCtx.Done():
			}
		}()
	}
}

// Status returns the current record of a task.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Task, error) {
	return o.queue.Get(ctx, id)
}

// Counts reports how many tasks sit in each status.
func (o *Orchestrator) Counts(ctx context.Context) (map[TaskStatus]int, error) {
	return o.queue.Counts(ctx)
}

// Cancel requests cooperative cancellation of a task. Running tasks are
// interrupted at their next checkpoint; pending tasks fail immediately.
// Cancelling a terminal task is an invalid transition.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	task, err := o.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return errors.WithFields(
			errors.New(errors.InvalidTransition, "task already finished"),
			errors.Fields{"task_id": id, "status": task.Status},
		)
	}

	if cancel, ok := o.cancels.Load(id); ok {
		cancel.(context.CancelFunc)()
		return nil
	}

	// Not picked up yet: fail it in place, but only while it is still
	// pending — a running task must keep its attempt context canceled,
	// not be failed out from under an executing worker.
	_, err = o.queue.FailPending(ctx, id, errors.New(errors.Canceled, "canceled before execution"))
	if err != nil && errors.IsInvalidTransition(err) {
		// A worker grabbed it between our read and the update; cancel
		// the in-flight attempt instead.
		if cancel, ok := o.cancels.Load(id); ok {
			cancel.(context.CancelFunc)()
			return nil
		}
	}
	return err
}

// Close stops accepting work and waits for in-flight tasks to finish
// their current attempt.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.stop()
		o.pool.Wait()
	})
}

func (o *Orchestrator) workerLoop() {
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case id := <-o.work:
			o.run(id)
		}
	}
}

// run drives one task through the attempt loop until it reaches a
// terminal status.
func (o *Orchestrator) run(id string) {
	ctx := logging.WithTaskID(o.baseCtx, id)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.cancels.Store(id, cancel)
	defer o.cancels.Delete(id)

	for {
		task, err := o.queue.MarkRunning(ctx, id)
		if err != nil {
			// Canceled or otherwise finished before pickup.
			if !errors.IsInvalidTransition(err) {
				o.logger.Error(ctx, "failed to start task %s: %v", id, err)
			}
			return
		}

		handler := o.handlers[task.Kind]
		result, err := o.attempt(ctx, handler, task)
		if err == nil {
			if _, err := o.queue.MarkSucceeded(ctx, id, result); err != nil {
				o.logger.Error(ctx, "failed to record success for task %s: %v", id, err)
			}
			return
		}

		if ctx.Err() != nil {
			o.fail(ctx, id, errors.Wrap(err, errors.Canceled, "task canceled"))
			return
		}

		if !errors.IsTransient(err) {
			o.fail(ctx, id, err)
			return
		}
		if task.Attempts >= o.cfg.MaxAttempts {
			o.fail(ctx, id, errors.WithFields(
				errors.Wrap(err, errors.RetryExhausted, "retry attempts exhausted"),
				errors.Fields{"attempts": task.Attempts},
			))
			return
		}

		if _, err := o.queue.MarkRetrying(ctx, id, err); err != nil {
			o.logger.Error(ctx, "failed to park task %s for retry: %v", id, err)
			return
		}
		backoff := time.Duration(float64(o.cfg.RetryBackoff.Std()) * math.Pow(o.cfg.BackoffMultiplier, float64(task.Attempts-1)))
		o.logger.Warn(ctx, "task %s attempt %d failed transiently, retrying in %v: %v",
			id, task.Attempts, backoff, err)

		select {
		case <-ctx.Done():
			o.fail(ctx, id, errors.New(errors.Canceled, "task canceled during backoff"))
			return
		case <-time.After(backoff):
		}
	}
}

// attempt runs one handler invocation under the per-attempt timeout.
// A blown timeout surfaces as a transient error.
func (o *Orchestrator) attempt(ctx context.Context, handler Handler, task *Task) (json.RawMessage, error) {
	attemptCtx := ctx
	if o.cfg.TaskTimeout.Std() > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout.Std())
		defer cancel()
	}

	result, err := handler(attemptCtx, task)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, errors.Wrap(err, errors.Timeout, "task attempt timed out")
	}
	return result, err
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	if _, err := o.queue.MarkFailed(ctx, id, cause); err != nil {
		o.logger.Error(ctx, "failed to record failure for task %s: %v", id, err)
	}
	o.logger.Error(ctx, "task %s failed: %v", id, cause)
}
