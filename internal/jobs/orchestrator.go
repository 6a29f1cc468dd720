package jobs

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/internal/transfer"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
)

var frequencyCron = map[string]string{
	"hourly":  "0 * * * *",
	"daily":   "0 0 * * *",
	"weekly":  "0 0 * * 0",
	"monthly": "0 0 1 * *",
}

// CronFor maps a contract update frequency to its cron pattern.
func CronFor(frequency string) (string, error) {
	pattern, ok := frequencyCron[strings.ToLower(strings.TrimSpace(frequency))]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeValidation, "unrecognized update frequency %q", frequency)
	}
	return pattern, nil
}

// SyncRequest asks for an asset to be synchronized under the given terms.
type SyncRequest struct {
	transfer.Request
	// TargetClusterRef names the consumer cluster of a live stream
	TargetClusterRef string `json:"targetClusterRef,omitempty"`
}

// Accepted describes the jobs StartSync queued.
type Accepted struct {
	TransferJobID string
	// ScheduleJobID is set for subscriptions
	ScheduleJobID string
	// TeardownJobID is set for live streams; TeardownAdded is false when one was already pending
	TeardownJobID string
	TeardownAdded bool
}

// Orchestrator turns synchronization requests into queued jobs.
type Orchestrator struct {
	queue  *RedisQueue
	now    func() time.Time
	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(queue *RedisQueue, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		queue:  queue,
		now:    queue.now,
		logger: log.With(zap.String("component", "orchestrator")),
	}
}

func (o *Orchestrator) validate(req SyncRequest) (string, error) {
	var problems []string
	if req.AssetID == "" {
		problems = append(problems, "asset id is required")
	}
	if req.AuthToken == "" {
		problems = append(problems, "auth token is required")
	}
	if req.ProviderName == "" && !req.IsStream() {
		problems = append(problems, "provider name is required")
	}

	var pattern string
	if req.Terms.Subscription {
		p, err := CronFor(req.Terms.UpdateFrequency)
		if err != nil {
			problems = append(problems, err.Error())
		}
		pattern = p
	}

	if len(problems) > 0 {
		return "", errors.New(errors.ErrorTypeValidation, strings.Join(problems, "; ")).
			WithDetail("asset_id", req.AssetID)
	}
	return pattern, nil
}

// StartSync queues a one-shot transfer, plus a recurring schedule for
// subscriptions and a delayed teardown for live streams. Invalid requests
// queue nothing.
func (o *Orchestrator) StartSync(ctx context.Context, req SyncRequest) (Accepted, error) {
	pattern, err := o.validate(req)
	if err != nil {
		return Accepted{}, err
	}

	log := logger.WithContext(logger.WithAsset(ctx, req.AssetID), o.logger)
	now := o.now()
	var accepted Accepted

	job, err := NewTransferJob(KindTransfer, "", req.Request)
	if err != nil {
		return Accepted{}, err
	}
	if _, err := o.queue.Add(ctx, job, AddOptions{Mode: AddNew}); err != nil {
		return Accepted{}, err
	}
	accepted.TransferJobID = job.ID

	if req.Terms.Subscription {
		next, err := NextRun(pattern, now)
		if err != nil {
			return accepted, err
		}
		sched, err := NewTransferJob(KindScheduledTransfer, ScheduleID(req.AssetID), req.Request)
		if err != nil {
			return accepted, err
		}
		sched.Cron = pattern
		sched.ExpiresAt = req.Terms.ContractEnd
		if _, err := o.queue.Add(ctx, sched, AddOptions{Mode: AddReplace, Delay: next.Sub(now)}); err != nil {
			return accepted, err
		}
		accepted.ScheduleJobID = sched.ID
		log.Info("schedule upserted", zap.String("cron", pattern), zap.Time("next_run", next))
	}

	if req.IsStream() {
		payload, err := json.Marshal(TeardownPayload{AssetID: req.AssetID, TargetClusterRef: req.TargetClusterRef})
		if err != nil {
			return accepted, errors.Wrap(err, errors.ErrorTypeInternal, "encode teardown payload")
		}
		var delay time.Duration
		if end := req.Terms.ContractEnd; end != nil && end.After(now) {
			delay = end.Sub(now)
		}
		teardown := &Job{
			ID:        TeardownID(req.AssetID),
			Kind:      KindConnectorTeardown,
			Payload:   payload,
			ExpiresAt: req.Terms.ContractEnd,
		}
		added, err := o.queue.Add(ctx, teardown, AddOptions{Mode: AddIfAbsent, Delay: delay})
		if err != nil {
			return accepted, err
		}
		accepted.TeardownJobID = teardown.ID
		accepted.TeardownAdded = added
		log.Info("teardown scheduled", zap.Duration("delay", delay), zap.Bool("added", added))
	}

	log.Info("sync accepted", zap.String("transfer_job_id", accepted.TransferJobID))
	return accepted, nil
}

// CancelSchedule removes the asset's recurring transfer and reports whether one existed.
func (o *Orchestrator) CancelSchedule(ctx context.Context, assetID string) (bool, error) {
	removed, err := o.queue.Remove(ctx, ScheduleID(assetID))
	if err != nil {
		return false, err
	}
	o.logger.Info("schedule cancelled", zap.String("asset_id", assetID), zap.Bool("existed", removed))
	return removed, nil
}

// CancelTeardown removes a pending teardown and reports whether one existed.
func (o *Orchestrator) CancelTeardown(ctx context.Context, assetID string) (bool, error) {
	removed, err := o.queue.Remove(ctx, TeardownID(assetID))
	if err != nil {
		return false, err
	}
	o.logger.Info("teardown cancelled", zap.String("asset_id", assetID), zap.Bool("existed", removed))
	return removed, nil
}
