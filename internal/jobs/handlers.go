package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/internal/transfer"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
)

// Transferer runs one transfer.
type Transferer interface {
	Run(ctx context.Context, req transfer.Request) (*transfer.Result, error)
}

// Teardowner removes the streaming resources of an asset.
type Teardowner interface {
	Teardown(ctx context.Context, assetID string) error
}

// TransferHandler runs transfer jobs.
type TransferHandler struct {
	engine Transferer
}

// NewTransferHandler creates a TransferHandler running engine.
func NewTransferHandler(engine Transferer) *TransferHandler {
	return &TransferHandler{engine: engine}
}

// Handle runs the transfer and records its row count and warnings on job.
func (h *TransferHandler) Handle(ctx context.Context, job *Job) error {
	req, err := job.TransferRequest()
	if err != nil {
		return err
	}
	res, err := h.engine.Run(logger.WithAsset(ctx, req.AssetID), req)
	if err != nil {
		return err
	}
	job.Result = &RunResult{Rows: res.RowsCommitted, Warnings: res.Warnings}
	return nil
}

// ScheduledHandler runs recurring transfers until their contract expires.
type ScheduledHandler struct {
	transfer *TransferHandler
	queue    *RedisQueue
	now      func() time.Time
	logger   *zap.Logger
}

// NewScheduledHandler creates a ScheduledHandler that removes expired
// schedules from queue.
func NewScheduledHandler(engine Transferer, queue *RedisQueue, log *zap.Logger) *ScheduledHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScheduledHandler{
		transfer: NewTransferHandler(engine),
		queue:    queue,
		now:      queue.now,
		logger:   log.With(zap.String("component", "scheduled_handler")),
	}
}

// Handle removes the schedule once its contract has expired and otherwise
// runs the transfer.
func (h *ScheduledHandler) Handle(ctx context.Context, job *Job) error {
	if job.ExpiresAt != nil && h.now().After(*job.ExpiresAt) {
		if _, err := h.queue.Remove(ctx, job.ID); err != nil {
			return err
		}
		logger.WithContext(ctx, h.logger).Info("contract expired, schedule removed",
			zap.Time("expires_at", *job.ExpiresAt))
		job.Result = &RunResult{Skipped: true}
		return nil
	}
	return h.transfer.Handle(ctx, job)
}

// TeardownHandler runs connector teardown jobs.
type TeardownHandler struct {
	manager Teardowner
}

// NewTeardownHandler creates a TeardownHandler calling manager.
func NewTeardownHandler(manager Teardowner) *TeardownHandler {
	return &TeardownHandler{manager: manager}
}

// Handle deletes the asset's mirror connector, topic and user.
func (h *TeardownHandler) Handle(ctx context.Context, job *Job) error {
	p, err := job.Teardown()
	if err != nil {
		return err
	}
	if p.AssetID == "" {
		return errors.New(errors.ErrorTypeValidation, "teardown job without asset id")
	}
	return h.manager.Teardown(logger.WithAsset(ctx, p.AssetID), p.AssetID)
}
