package jobs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/internal/federation"
	"github.com/ajitpratap0/marketsync/internal/offset"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
)

// SyncLifecycle applies the terminal side effects of transfer jobs: on
// completion the SyncState is touched and the requester notified; after the
// last failed attempt the SyncState is deleted, so the next sync starts from
// zero, and the requester is told to contact the provider. A conflict means
// another run owns the SyncState, so it is left alone.
type SyncLifecycle struct {
	offsets  offset.Store
	notifier federation.Notifier
	logger   *zap.Logger
}

// NewSyncLifecycle creates the transfer lifecycle hooks.
func NewSyncLifecycle(offsets offset.Store, notifier federation.Notifier, log *zap.Logger) *SyncLifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncLifecycle{
		offsets:  offsets,
		notifier: notifier,
		logger:   log.With(zap.String("component", "sync_lifecycle")),
	}
}

// OnActive logs the start of a transfer attempt.
func (l *SyncLifecycle) OnActive(ctx context.Context, job *Job) {
	if !job.IsTransfer() {
		return
	}
	logger.WithContext(ctx, l.logger).Debug("transfer started", zap.Int("attempt", job.Attempts))
}

// OnCompleted touches the SyncState and sends the success notification.
func (l *SyncLifecycle) OnCompleted(ctx context.Context, job *Job) {
	if !job.IsTransfer() || (job.Result != nil && job.Result.Skipped) {
		return
	}
	log := logger.WithContext(ctx, l.logger)

	req, err := job.TransferRequest()
	if err != nil {
		log.Error("cannot apply completion side effects", zap.Error(err))
		return
	}

	if err := l.offsets.Touch(ctx, req.AssetID); err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		log.Warn("failed to touch sync state", zap.Error(err))
	}

	msg := fmt.Sprintf("Synchronization of asset %s completed.", req.AssetID)
	if job.Result != nil && len(job.Result.Warnings) > 0 {
		msg = fmt.Sprintf("Synchronization of asset %s completed with warnings: %s.",
			req.AssetID, strings.Join(job.Result.Warnings, "; "))
	}
	l.notify(ctx, log, federation.Notification{
		UserID:         req.Requester.UserID,
		OrganizationID: req.Requester.OrganizationID,
		AssetID:        req.AssetID,
		Type:           federation.NotificationSyncSucceeded,
		Message:        msg,
	})
}

// OnFailed deletes the SyncState and sends the failure notification once
// the job has no retries left.
func (l *SyncLifecycle) OnFailed(ctx context.Context, job *Job, err error, terminal bool) {
	if !job.IsTransfer() {
		return
	}
	log := logger.WithContext(ctx, l.logger)
	if !terminal {
		log.Info("transfer attempt failed, will retry", zap.Int("attempt", job.Attempts), zap.Error(err))
		return
	}

	if errors.IsType(err, errors.ErrorTypeConflict) {
		// the SyncState belongs to the run that won; that run reports the outcome
		log.Warn("transfer lost to a concurrent run, sync state left in place", zap.Error(err))
		return
	}

	req, decodeErr := job.TransferRequest()
	if decodeErr != nil {
		log.Error("cannot apply failure side effects", zap.Error(decodeErr))
		return
	}

	if delErr := l.offsets.Delete(ctx, req.AssetID); delErr != nil {
		log.Error("failed to delete sync state", zap.Error(delErr))
	}

	l.notify(ctx, log, federation.Notification{
		UserID:         req.Requester.UserID,
		OrganizationID: req.Requester.OrganizationID,
		AssetID:        req.AssetID,
		Type:           federation.NotificationSyncFailed,
		Message: fmt.Sprintf("Synchronization of asset %s failed. Please contact the data provider.",
			req.AssetID),
	})
}

// notify is best effort.
func (l *SyncLifecycle) notify(ctx context.Context, log *zap.Logger, n federation.Notification) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Send(ctx, n); err != nil {
		log.Warn("failed to send notification", zap.String("type", string(n.Type)), zap.Error(err))
	}
}
