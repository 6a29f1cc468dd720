package jobs

import (
	"context"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/metrics"
	"github.com/ajitpratap0/marketsync/pkg/retry"
)

const (
	claimScan    = 16
	maxTxRetries = 5
	defaultLease = 2 * time.Minute
)

// AddMode controls what Add does when a job with the same id exists.
type AddMode int

const (
	// AddNew assigns a fresh id when the job has none and fails on a duplicate id.
	AddNew AddMode = iota
	// AddReplace overwrites any existing job with the same id.
	AddReplace
	// AddIfAbsent is a no-op while a job with the same id is waiting or active.
	AddIfAbsent
)

// AddOptions configures Add.
type AddOptions struct {
	Delay time.Duration
	Mode  AddMode
}

// RedisQueue is a durable job queue on redis.
//
// Keys, all under the configured prefix:
//
//	<p>:job:<id>          JSON record
//	<p>:waiting:<kind>    ZSET id -> run-at (unix ms), one per job kind
//	<p>:active            ZSET id -> lease deadline (unix ms)
//	<p>:completed         ZSET id -> finished-at (unix ms)
//	<p>:failed            ZSET id -> finished-at (unix ms)
//	<p>:lock:<name>       holder of a named lock
//
// A claimed job holds a lease that its worker renews with Extend. Jobs whose
// lease ran out are reported by Stalled so a live worker can fail the attempt
// and hand the job back.
type RedisQueue struct {
	rdb       redis.UniversalClient
	prefix    string
	policy    *retry.RetryPolicy
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// QueueOption customizes a RedisQueue.
type QueueOption func(*RedisQueue)

// WithQueueClock overrides the time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue creates a queue.
func NewRedisQueue(rdb redis.UniversalClient, cfg config.QueueConfig, logger *zap.Logger, opts ...QueueOption) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "marketsync"
	}
	policy := retry.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffInitial > 0 {
		policy.InitialDelay = cfg.BackoffInitial
	}
	lease := cfg.LeaseTimeout
	if lease <= 0 {
		lease = defaultLease
	}

	q := &RedisQueue{
		rdb:       rdb,
		prefix:    prefix,
		policy:    policy,
		retention: cfg.Retention,
		lease:     lease,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "job_queue")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }

func (q *RedisQueue) waitingKey(kind Kind) string { return q.prefix + ":waiting:" + string(kind) }

func (q *RedisQueue) lockKey(name string) string { return q.prefix + ":lock:" + name }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// owns reports whether job is still the claimed attempt recorded in current.
func owns(current, job *Job) bool {
	return current != nil &&
		current.Token == job.Token &&
		current.State == StateActive &&
		current.Attempts == job.Attempts
}

// Add enqueues job. It reports false when AddIfAbsent found a pending job.
func (q *RedisQueue) Add(ctx context.Context, job *Job, opts AddOptions) (bool, error) {
	if job.Kind == "" {
		return false, errors.New(errors.ErrorTypeValidation, "job kind is required")
	}
	if job.ID == "" {
		if opts.Mode != AddNew {
			return false, errors.New(errors.ErrorTypeValidation, "job id is required for keyed adds")
		}
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.policy.MaxAttempts
	}

	now := q.now()
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	job.State = StateWaiting
	job.Attempts = 0
	job.RunAt = now.Add(delay)
	job.LastError = ""
	job.Result = nil
	job.Token = uuid.NewString()
	job.CreatedAt = now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "encode job")
	}

	key := q.jobKey(job.ID)
	added := false
	err = q.watch(ctx, func(tx *redis.Tx) error {
		existing, err := q.load(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			switch opts.Mode {
			case AddNew:
				return errors.Newf(errors.ErrorTypeConflict, "job %s already exists", job.ID)
			case AddIfAbsent:
				if existing.State == StateWaiting || existing.State == StateActive {
					return nil
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if existing != nil && existing.Kind != job.Kind {
				pipe.ZRem(ctx, q.waitingKey(existing.Kind), job.ID)
			}
			pipe.ZRem(ctx, q.key("active"), job.ID)
			pipe.ZRem(ctx, q.key("completed"), job.ID)
			pipe.ZRem(ctx, q.key("failed"), job.ID)
			pipe.ZAdd(ctx, q.waitingKey(job.Kind), redis.Z{Score: score(job.RunAt), Member: job.ID})
			return nil
		})
		if err == nil {
			added = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}

	if added {
		q.logger.Debug("job added",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Time("run_at", job.RunAt))
	}
	return added, nil
}

type candidate struct {
	id    string
	kind  Kind
	runAt float64
}

// Claim takes the earliest due job of the given kinds (all kinds when none
// are given) and marks it active under a fresh lease. It returns nil, nil
// when nothing is due.
func (q *RedisQueue) Claim(ctx context.Context, kinds ...Kind) (*Job, error) {
	if len(kinds) == 0 {
		kinds = allKinds
	}
	now := q.now()

	var due []candidate
	for _, kind := range kinds {
		zs, err := q.rdb.ZRangeByScoreWithScores(ctx, q.waitingKey(kind), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   millis(now),
			Count: claimScan,
		}).Result()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "scan waiting jobs")
		}
		for _, z := range zs {
			if id, ok := z.Member.(string); ok {
				due = append(due, candidate{id: id, kind: kind, runAt: z.Score})
			}
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].runAt < due[j].runAt })

	for _, c := range due {
		job, err := q.activate(ctx, c, now)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// activate moves one waiting job to active. The waiting entry is removed in
// the same transaction, and only one claimer's transaction on the job key
// can succeed.
func (q *RedisQueue) activate(ctx context.Context, c candidate, now time.Time) (*Job, error) {
	var job *Job
	key := q.jobKey(c.id)
	err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := q.load(ctx, tx, c.id)
		if err != nil {
			return err
		}
		if current == nil {
			// record expired or was deleted underneath its index entry
			return tx.ZRem(ctx, q.waitingKey(c.kind), c.id).Err()
		}
		if current.State != StateWaiting || current.Kind != c.kind || current.RunAt.After(now) {
			return nil
		}

		current.State = StateActive
		current.Attempts++
		current.UpdatedAt = now

		data, err := json.Marshal(current)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "encode job")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.waitingKey(c.kind), c.id)
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, q.key("active"), redis.Z{Score: score(now.Add(q.lease)), Member: c.id})
			return nil
		})
		if err == nil {
			job = current
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// claimed, replaced or removed by someone else in the meantime
		q.logger.Debug("job changed while claiming", zap.String("job_id", c.id))
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "activate job")
	}
	return job, nil
}

// Extend renews the lease of a claimed job. It reports false once this
// attempt no longer owns the job.
func (q *RedisQueue) Extend(ctx context.Context, job *Job) (bool, error) {
	owned := false
	err := q.watch(ctx, func(tx *redis.Tx) error {
		current, err := q.load(ctx, tx, job.ID)
		if err != nil || !owns(current, job) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, q.key("active"), redis.Z{Score: score(q.now().Add(q.lease)), Member: job.ID})
			return nil
		})
		owned = err == nil
		return err
	}, q.jobKey(job.ID))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "extend lease").WithDetail("job_id", job.ID)
	}
	return owned, nil
}

// Stalled returns the active jobs whose lease has run out.
func (q *RedisQueue) Stalled(ctx context.Context) ([]*Job, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + millis(q.now()),
		Count: claimScan,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "scan active jobs")
	}

	var stalled []*Job
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil || job.State != StateActive {
			if err := q.rdb.ZRem(ctx, q.key("active"), id).Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "drop active entry")
			}
			continue
		}
		stalled = append(stalled, job)
	}
	return stalled, nil
}

// Postpone hands a claimed job back without using up the attempt.
func (q *RedisQueue) Postpone(ctx context.Context, job *Job, delay time.Duration) (bool, error) {
	applied := false
	err := q.watch(ctx, func(tx *redis.Tx) error {
		current, err := q.load(ctx, tx, job.ID)
		if err != nil || !owns(current, job) {
			return err
		}

		now := q.now()
		job.State = StateWaiting
		job.Attempts--
		job.RunAt = now.Add(delay)
		job.UpdatedAt = now
		data, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "encode job")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.jobKey(job.ID), data, 0)
			pipe.ZRem(ctx, q.key("active"), job.ID)
			pipe.ZAdd(ctx, q.waitingKey(job.Kind), redis.Z{Score: score(job.RunAt), Member: job.ID})
			return nil
		})
		applied = err == nil
		return err
	}, q.jobKey(job.ID))
	return applied, err
}

// Complete records a successful run and reports whether it was recorded.
// Recurring jobs are re-queued for their next occurrence. Completions of
// jobs that were removed, replaced or taken back after a lost lease are
// dropped.
func (q *RedisQueue) Complete(ctx context.Context, job *Job) (bool, error) {
	applied := false
	err := q.watch(ctx, func(tx *redis.Tx) error {
		current, err := q.load(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if !owns(current, job) {
			q.logger.Debug("dropping completion of a job this worker no longer owns", zap.String("job_id", job.ID))
			return nil
		}

		now := q.now()
		job.UpdatedAt = now
		job.LastError = ""
		if job.Cron != "" {
			err = q.requeue(ctx, tx, job, now)
		} else {
			job.State = StateCompleted
			err = q.finish(ctx, tx, job, "completed", now)
		}
		applied = err == nil
		return err
	}, q.jobKey(job.ID))
	return applied, err
}

// Fail records a failed attempt and reports whether the failure ended the
// job. Errors that are not retryable end the job at once; otherwise the job
// is retried with exponential backoff until its attempts are used up. A
// failure that is dropped because the job is no longer owned is never
// terminal.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	terminal := !errors.IsRetryable(cause) || job.Attempts >= job.MaxAttempts

	key := q.jobKey(job.ID)
	applied := false
	err := q.watch(ctx, func(tx *redis.Tx) error {
		current, err := q.load(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if !owns(current, job) {
			q.logger.Debug("dropping failure of a job this worker no longer owns", zap.String("job_id", job.ID))
			return nil
		}

		now := q.now()
		job.UpdatedAt = now
		job.LastError = cause.Error()

		switch {
		case !terminal:
			job.State = StateWaiting
			job.RunAt = now.Add(q.policy.Delay(job.Attempts))
			data, err := json.Marshal(job)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "encode job")
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZRem(ctx, q.key("active"), job.ID)
				pipe.ZAdd(ctx, q.waitingKey(job.Kind), redis.Z{Score: score(job.RunAt), Member: job.ID})
				return nil
			})
		case job.Cron != "":
			err = q.requeue(ctx, tx, job, now)
		default:
			job.State = StateFailed
			err = q.finish(ctx, tx, job, "failed", now)
		}
		applied = err == nil
		return err
	}, key)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if !terminal {
		q.logger.Info("job will be retried",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Time("run_at", job.RunAt),
			zap.Error(cause))
	}
	return terminal, nil
}

// requeue schedules the next occurrence of a recurring job with a fresh
// attempt budget.
func (q *RedisQueue) requeue(ctx context.Context, tx *redis.Tx, job *Job, now time.Time) error {
	next, err := NextRun(job.Cron, now)
	if err != nil {
		return err
	}
	job.State = StateWaiting
	job.Attempts = 0
	job.RunAt = next

	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode job")
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		pipe.ZRem(ctx, q.key("active"), job.ID)
		pipe.ZAdd(ctx, q.waitingKey(job.Kind), redis.Z{Score: score(next), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) finish(ctx context.Context, tx *redis.Tx, job *Job, set string, now time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode job")
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, q.retention)
		pipe.ZRem(ctx, q.key("active"), job.ID)
		pipe.ZAdd(ctx, q.key(set), redis.Z{Score: score(now), Member: job.ID})
		if q.retention > 0 {
			pipe.ZRemRangeByScore(ctx, q.key(set), "-inf", millis(now.Add(-q.retention)))
		}
		return nil
	})
	return err
}

// TryLock takes the named lock for owner unless someone else holds it. The
// lock expires after one lease unless renewed with ExtendLock.
func (q *RedisQueue) TryLock(ctx context.Context, name, owner string) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, q.lockKey(name), owner, q.lease).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "acquire lock").WithDetail("lock", name)
	}
	return ok, nil
}

// ExtendLock renews a lock still held by owner.
func (q *RedisQueue) ExtendLock(ctx context.Context, name, owner string) error {
	return q.ifLockHeld(ctx, name, owner, func(pipe redis.Pipeliner) {
		pipe.PExpire(ctx, q.lockKey(name), q.lease)
	})
}

// Unlock releases a lock still held by owner.
func (q *RedisQueue) Unlock(ctx context.Context, name, owner string) error {
	return q.ifLockHeld(ctx, name, owner, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, q.lockKey(name))
	})
}

func (q *RedisQueue) ifLockHeld(ctx context.Context, name, owner string, fn func(redis.Pipeliner)) error {
	key := q.lockKey(name)
	return q.watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && holder != owner) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransientNetwork, "read lock").WithDetail("lock", name)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(pipe)
			return nil
		})
		return err
	}, key)
}

// Remove deletes a job in any state and reports whether it existed.
func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	pipe := q.rdb.TxPipeline()
	del := pipe.Del(ctx, q.jobKey(id))
	for _, kind := range allKinds {
		pipe.ZRem(ctx, q.waitingKey(kind), id)
	}
	pipe.ZRem(ctx, q.key("active"), id)
	pipe.ZRem(ctx, q.key("completed"), id)
	pipe.ZRem(ctx, q.key("failed"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "remove job").WithDetail("job_id", id)
	}

	removed := del.Val() > 0
	if removed {
		q.logger.Debug("job removed", zap.String("job_id", id))
	}
	return removed, nil
}

// Get returns nil, nil for unknown ids.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, q.rdb, id)
}

// Counts returns the number of jobs per state and refreshes the queue depth gauge.
func (q *RedisQueue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.rdb.Pipeline()
	waiting := make([]*redis.IntCmd, 0, len(allKinds))
	for _, kind := range allKinds {
		waiting = append(waiting, pipe.ZCard(ctx, q.waitingKey(kind)))
	}
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "count jobs")
	}

	var nWaiting int64
	for _, cmd := range waiting {
		nWaiting += cmd.Val()
	}
	counts := map[State]int64{
		StateWaiting:   nWaiting,
		StateActive:    active.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}
	for state, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
	}
	return counts, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (q *RedisQueue) load(ctx context.Context, c getter, id string) (*Job, error) {
	data, err := c.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "read job").WithDetail("job_id", id)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "decode job").WithDetail("job_id", id)
	}
	return &job, nil
}

// watch runs fn in an optimistic transaction on keys, retrying on contention.
func (q *RedisQueue) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := q.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New(errors.ErrorTypeTransientNetwork, "job update contended").
		WithDetail("keys", keys)
}

// NextRun returns the first occurrence of a standard five-field cron pattern after t.
func NextRun(pattern string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(pattern)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeValidation, "parse cron pattern").
			WithDetail("cron", pattern)
	}
	return sched.Next(t), nil
}
