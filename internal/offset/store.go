// Package offset is the durable record of per-asset synchronization progress.
//
// One SyncState row exists per synchronized remote asset. The batch transfer
// engine is the only writer during a run: it creates the row after the first
// batch has been stored and advances the offset only after each subsequent
// batch has been acknowledged by storage. The job lifecycle touches the row on
// completion and deletes it after a terminal failure so the next attempt
// starts from zero. A run that lost to a concurrent run of the same asset
// leaves the row alone.
//
// The package also stores QuerySelectors, the optional per-asset filter
// parameters forwarded with every batch request.
package offset

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
)

// SyncState is the persisted progress of one asset.
type SyncState struct {
	// ID is the local storage identity of the materialized copy
	ID             string
	RemoteAssetID  string
	StorageVersion string
	// Offset counts rows committed to local storage; it never decreases
	Offset    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QuerySelector holds stored filter parameters for federated retrieval.
type QuerySelector struct {
	RemoteAssetID string
	Query         map[string]interface{}
	Columns       []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the Offset Store contract.
type Store interface {
	// Get returns nil, nil when the asset has no state.
	Get(ctx context.Context, remoteAssetID string) (*SyncState, error)
	// CreateInitial fails with a conflict error when a state already exists.
	CreateInitial(ctx context.Context, remoteAssetID, storageID, storageVersion string) (*SyncState, error)
	// Advance moves the offset forward. Moving it backwards is a conflict.
	Advance(ctx context.Context, remoteAssetID string, newOffset int64) error
	// Delete is idempotent.
	Delete(ctx context.Context, remoteAssetID string) error
	// Touch bumps UpdatedAt without changing the offset.
	Touch(ctx context.Context, remoteAssetID string) error

	GetSelector(ctx context.Context, remoteAssetID string) (*QuerySelector, error)
	CreateSelector(ctx context.Context, selector QuerySelector) (*QuerySelector, error)
	UpdateSelector(ctx context.Context, selector QuerySelector) (*QuerySelector, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Option customizes a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// WithClock overrides the time source used for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open connects to the backend selected by cfg.Driver and runs migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, opts...)
	case "sqlite":
		store, err = NewSQLiteStore(cfg.DSN, opts...)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate offset store: %w", err)
	}
	return store, nil
}

// SaveSelector stores selector for its asset, replacing any stored one.
func SaveSelector(ctx context.Context, store Store, selector QuerySelector) (*QuerySelector, error) {
	if selector.RemoteAssetID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "query selector needs a remote asset id")
	}

	saved, err := store.CreateSelector(ctx, selector)
	if errors.IsType(err, errors.ErrorTypeConflict) {
		return store.UpdateSelector(ctx, selector)
	}
	return saved, err
}

func conflict(remoteAssetID, what string) error {
	return errors.Newf(errors.ErrorTypeConflict, "%s already exists", what).
		WithDetail("remote_asset_id", remoteAssetID)
}

func notFound(remoteAssetID, what string) error {
	return errors.Newf(errors.ErrorTypeNotFound, "%s not found", what).
		WithDetail("remote_asset_id", remoteAssetID)
}

func regression(remoteAssetID string, newOffset int64) error {
	return errors.New(errors.ErrorTypeConflict, "offset cannot move backwards").
		WithDetail("remote_asset_id", remoteAssetID).
		WithDetail("new_offset", newOffset)
}
