package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
	"github.com/ajitpratap0/marketsync/pkg/metrics"
	"github.com/ajitpratap0/marketsync/pkg/observability"
)

const (
	transitionTimeout = 10 * time.Second
	// lockedRetryDelay is how long a job waits when another job holds its lock
	lockedRetryDelay = 5 * time.Second
)

var errLeaseExpired = errors.New(errors.ErrorTypeTransientNetwork, "job lease expired before the worker reported back")

// Handler executes one job kind.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Hooks observe job transitions. They run synchronously on the worker
// goroutine after the queue has recorded the transition.
type Hooks interface {
	OnActive(ctx context.Context, job *Job)
	OnCompleted(ctx context.Context, job *Job)
	// OnFailed runs after every failed attempt; terminal is true when no retry follows.
	OnFailed(ctx context.Context, job *Job, err error, terminal bool)
}

// Worker claims jobs from a queue and dispatches them by kind.
type Worker struct {
	queue        *RedisQueue
	handlers     map[Kind]Handler
	hooks        []Hooks
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewWorker creates a worker.
func NewWorker(queue *RedisQueue, cfg config.QueueConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:        queue,
		handlers:     map[Kind]Handler{},
		concurrency:  concurrency,
		pollInterval: poll,
		logger:       log.With(zap.String("component", "worker")),
	}
}

// Handle registers h for kind. The worker only claims kinds it has a handler
// for.
func (w *Worker) Handle(kind Kind, h Handler) {
	w.handlers[kind] = h
}

// Use appends transition hooks.
func (w *Worker) Use(hooks ...Hooks) {
	w.hooks = append(w.hooks, hooks...)
}

// Run processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Int("concurrency", w.concurrency))
	defer w.logger.Info("worker stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("failed to process job", zap.Error(err))
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNext first takes back jobs whose worker stopped renewing their
// lease, then claims and runs at most one due job of a registered kind. It
// reports whether a claimed job was handled or handed back.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if err := w.reclaim(ctx); err != nil {
		w.logger.Warn("failed to reclaim stalled jobs", zap.Error(err))
	}

	kinds := w.kinds()
	if len(kinds) == 0 {
		return false, nil
	}
	job, err := w.queue.Claim(ctx, kinds...)
	if err != nil || job == nil {
		return false, err
	}

	jobCtx := logger.WithJob(ctx, job.ID, string(job.Kind))
	log := logger.WithContext(jobCtx, w.logger)

	// transitions must be recorded even when the worker is shutting down
	tctx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), transitionTimeout)
	defer cancel()

	lock := job.LockName()
	owner := job.Token + ":" + strconv.Itoa(job.Attempts)
	if lock != "" {
		held, err := w.queue.TryLock(jobCtx, lock, owner)
		if err != nil || !held {
			if _, perr := w.queue.Postpone(tctx, job, lockedRetryDelay); perr != nil {
				return true, fmt.Errorf("postpone %s: %w", job.ID, perr)
			}
			if err != nil {
				return true, err
			}
			log.Debug("another job holds the lock, postponed", zap.String("lock", lock))
			return true, nil
		}
		defer func() {
			if err := w.queue.Unlock(tctx, lock, owner); err != nil {
				log.Warn("failed to release lock", zap.String("lock", lock), zap.Error(err))
			}
		}()
	}

	jobCtx, span := observability.StartSpan(jobCtx, "jobs.Process",
		attribute.String("job_id", job.ID),
		attribute.String("kind", string(job.Kind)),
		attribute.Int("attempt", job.Attempts))

	metrics.JobTransitions.WithLabelValues(string(job.Kind), string(StateActive)).Inc()
	for _, h := range w.hooks {
		h.OnActive(jobCtx, job)
	}

	stop := w.heartbeat(jobCtx, job, lock, owner)
	runErr := w.run(jobCtx, job)
	stop()
	observability.EndSpan(span, runErr)

	if runErr == nil {
		recorded, err := w.queue.Complete(tctx, job)
		if err != nil {
			return true, fmt.Errorf("record completion of %s: %w", job.ID, err)
		}
		if !recorded {
			log.Info("job record changed while running, result dropped")
			return true, nil
		}
		metrics.JobTransitions.WithLabelValues(string(job.Kind), string(StateCompleted)).Inc()
		log.Info("job completed", zap.Int("attempt", job.Attempts))
		for _, h := range w.hooks {
			h.OnCompleted(tctx, job)
		}
		return true, nil
	}

	return true, w.recordFailure(tctx, job, runErr, log)
}

func (w *Worker) recordFailure(ctx context.Context, job *Job, runErr error, log *zap.Logger) error {
	terminal, err := w.queue.Fail(ctx, job, runErr)
	if err != nil {
		return fmt.Errorf("record failure of %s: %w", job.ID, err)
	}

	failErr := runErr
	if terminal && errors.IsRetryable(runErr) {
		failErr = errors.Wrap(runErr, errors.ErrorTypeExhaustedRetries, "retries exhausted").
			WithDetail("attempts", job.Attempts)
	}

	if terminal {
		metrics.JobTransitions.WithLabelValues(string(job.Kind), string(StateFailed)).Inc()
		log.Error("job failed", zap.Int("attempt", job.Attempts), zap.Error(failErr))
	} else {
		metrics.JobTransitions.WithLabelValues(string(job.Kind), "retrying").Inc()
		log.Warn("job attempt failed", zap.Int("attempt", job.Attempts), zap.Error(runErr))
	}
	for _, h := range w.hooks {
		h.OnFailed(ctx, job, failErr, terminal)
	}
	return nil
}

// reclaim fails the current attempt of every job whose lease ran out, which
// puts it back in line or ends it when its attempts are used up.
func (w *Worker) reclaim(ctx context.Context) error {
	stalled, err := w.queue.Stalled(ctx)
	if err != nil {
		return err
	}
	for _, job := range stalled {
		jobCtx := logger.WithJob(ctx, job.ID, string(job.Kind))
		log := logger.WithContext(jobCtx, w.logger)
		log.Warn("job lease expired, taking it back", zap.Int("attempt", job.Attempts))
		if err := w.recordFailure(jobCtx, job, errLeaseExpired, log); err != nil {
			return err
		}
	}
	return nil
}

// heartbeat renews the job lease, and the lock when one is held, until the
// returned func is called.
func (w *Worker) heartbeat(ctx context.Context, job *Job, lock, owner string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := w.queue.lease / 3
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			owned, err := w.queue.Extend(ctx, job)
			if err != nil {
				w.logger.Warn("failed to extend job lease", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			if !owned {
				w.logger.Warn("job lease lost", zap.String("job_id", job.ID))
				return
			}
			if lock != "" {
				if err := w.queue.ExtendLock(ctx, lock, owner); err != nil {
					w.logger.Warn("failed to extend lock", zap.String("lock", lock), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) kinds() []Kind {
	kinds := make([]Kind, 0, len(w.handlers))
	for kind := range w.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		// Claim only returns registered kinds
		return errors.Newf(errors.ErrorTypeInternal, "no handler for job kind %q", job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = errors.Newf(errors.ErrorTypeInternal, "handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}
