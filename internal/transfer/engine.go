// Package transfer moves one asset from a remote provider into local storage.
//
// Table-shaped assets are pulled in bounded batches. The first batch creates
// the destination table and the SyncState; every following batch is appended
// and the offset advanced only after storage acknowledges the append, so a
// retried run resumes exactly where the last committed batch ended. The loop
// stops on the first batch that returns fewer rows than requested.
//
// File-shaped assets are fetched and stored in one step. Kafka streams are
// mirrored by the streaming connector and need no copy here.
package transfer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/internal/federation"
	"github.com/ajitpratap0/marketsync/internal/offset"
	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
	"github.com/ajitpratap0/marketsync/pkg/metrics"
	"github.com/ajitpratap0/marketsync/pkg/observability"
	"github.com/ajitpratap0/marketsync/pkg/retry"
)

const defaultBatchSize = 1000

// LocalCatalog is created when the local factory has no catalog yet.
var LocalCatalog = federation.Catalog{ID: "local", Title: "Synchronized assets"}

// Dependencies are the collaborators an Engine needs.
type Dependencies struct {
	Registry federation.Registry
	Metadata federation.MetadataRepository
	Provider federation.Provider
	Storage  federation.Storage
	Offsets  offset.Store
}

// Engine runs transfers.
type Engine struct {
	deps         Dependencies
	batchSize    int
	localPrefix  string
	callTimeout  time.Duration
	publishRetry *retry.RetryPolicy
	logger       *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublishRetry overrides the retry policy of the best-effort publish steps.
func WithPublishRetry(policy *retry.RetryPolicy) Option {
	return func(e *Engine) { e.publishRetry = policy }
}

// NewEngine creates an Engine.
func NewEngine(deps Dependencies, cfg config.TransferConfig, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	e := &Engine{
		deps:         deps,
		batchSize:    batchSize,
		localPrefix:  cfg.LocalAccessPrefix,
		callTimeout:  cfg.RequestTimeout,
		publishRetry: retry.NewRetryPolicy(2, time.Second),
		logger:       log.With(zap.String("component", "transfer_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BatchSize returns the configured page size.
func (e *Engine) BatchSize() int {
	return e.batchSize
}

// Run executes one transfer. A returned error means no further progress was
// made; rows committed before the error stay committed and the offset
// reflects them.
func (e *Engine) Run(ctx context.Context, req Request) (res *Result, err error) {
	if req.AssetID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "asset id is required")
	}

	ctx = logger.WithAsset(ctx, req.AssetID)
	ctx, span := observability.StartSpan(ctx, "transfer.Run",
		attribute.String("asset_id", req.AssetID),
		attribute.String("provider", req.ProviderName))
	timer := metrics.NewTimer("transfer")
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.TransferDuration.WithLabelValues(outcome).Observe(timer.Stop().Seconds())
		observability.EndSpan(span, err)
	}()

	log := logger.WithContext(ctx, e.logger)
	res = &Result{AssetID: req.AssetID}

	if req.IsStream() {
		log.Info("stream asset, data is mirrored by the connector")
		return res, nil
	}

	provider, err := e.deps.Registry.ResolveProviderFactory(ctx, req.ProviderName, req.AuthToken)
	if err != nil {
		log.Error("failed to resolve provider factory", zap.String("provider", req.ProviderName), zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "resolve provider factory").
			WithDetail("provider", req.ProviderName)
	}

	localPrefix := e.localPrefix
	if local, err := e.deps.Registry.ResolveRequesterFactory(ctx, req.AuthToken); err != nil {
		log.Warn("failed to resolve local factory, using configured prefix",
			zap.String("prefix", localPrefix), zap.Error(err))
	} else if local.Prefix != "" {
		localPrefix = local.Prefix
	}

	format := req.DistributionFormat
	md, err := e.deps.Metadata.RetrieveMetadata(ctx, req.AssetID, req.AuthToken)
	if err != nil {
		log.Warn("failed to retrieve metadata, using requested format",
			zap.String("format", format), zap.Error(err))
	} else if f := metadataFormat(md, format); f != "" {
		format = f
	}

	sh := shapeOf(format)
	log = log.With(zap.String("shape", sh.String()), zap.String("format", format))

	switch sh {
	case shapeStream:
		log.Info("stream asset, data is mirrored by the connector")
		return res, nil
	case shapeFile:
		err = e.runFile(ctx, provider.Prefix, req, res, log)
	default:
		err = e.runTable(ctx, provider.Prefix, req, res, log)
	}
	if err != nil {
		return nil, err
	}

	e.publish(ctx, req, md, format, localPrefix, res, log)

	log.Info("transfer finished",
		zap.String("storage_id", res.StorageID),
		zap.Int64("offset", res.Offset),
		zap.Int("batches", res.Batches),
		zap.Int64("rows", res.RowsCommitted),
		zap.Strings("warnings", res.Warnings))
	return res, nil
}

func (e *Engine) runTable(ctx context.Context, providerPrefix string, req Request, res *Result, log *zap.Logger) error {
	state, err := e.deps.Offsets.Get(ctx, req.AssetID)
	if err != nil {
		return err
	}

	var query map[string]interface{}
	var columns []string
	if sel, err := e.deps.Offsets.GetSelector(ctx, req.AssetID); err != nil {
		log.Warn("failed to load query selector", zap.Error(err))
	} else if sel != nil {
		query, columns = sel.Query, sel.Columns
	}

	page := func(off int64) federation.BatchRequest {
		return federation.BatchRequest{Offset: off, BatchSize: e.batchSize, Columns: columns, Query: query}
	}

	var (
		storageID string
		off       int64
	)

	// an existing state is always resumed, even at offset 0, so an empty
	// dataset or a run that stopped before its first advance reuses its table
	if state == nil {
		rows, err := e.fetch(ctx, providerPrefix, req, page(0))
		if err != nil {
			return err
		}

		ref, err := e.call(ctx, func(ctx context.Context) (federation.StorageRef, error) {
			return e.deps.Storage.CreateTable(ctx, federation.TableSpec{
				AssetID: req.AssetID,
				Name:    TableName(req.AssetID),
				Columns: rows.Columns,
				Records: rows.Records,
			})
		})
		if err != nil {
			return err
		}

		if _, err := e.deps.Offsets.CreateInitial(ctx, req.AssetID, ref.StorageID, ref.Version); err != nil {
			return err
		}

		n := int64(len(rows.Records))
		if err := e.deps.Offsets.Advance(ctx, req.AssetID, n); err != nil {
			return err
		}
		e.committed(res, ref.StorageID, n, n)
		log.Debug("table created", zap.String("storage_id", ref.StorageID), zap.Int64("rows", n))

		if len(rows.Records) < e.batchSize {
			return nil
		}
		storageID, off = ref.StorageID, n
	} else {
		storageID, off = state.ID, state.Offset
		res.StorageID, res.Offset = storageID, off
		log.Info("resuming transfer", zap.String("storage_id", storageID), zap.Int64("offset", off))
	}

	for {
		rows, err := e.fetch(ctx, providerPrefix, req, page(off))
		if err != nil {
			return err
		}
		if len(rows.Records) == 0 {
			return nil
		}

		if err := e.callErr(ctx, func(ctx context.Context) error {
			return e.deps.Storage.AppendRows(ctx, storageID, rows.Records)
		}); err != nil {
			return err
		}

		n := int64(len(rows.Records))
		if err := e.deps.Offsets.Advance(ctx, req.AssetID, off+n); err != nil {
			return err
		}
		off += n
		e.committed(res, storageID, off, n)
		log.Debug("batch committed", zap.Int64("offset", off), zap.Int64("rows", n))

		if len(rows.Records) < e.batchSize {
			return nil
		}
	}
}

func (e *Engine) committed(res *Result, storageID string, off, n int64) {
	res.StorageID = storageID
	res.Offset = off
	res.Batches++
	res.RowsCommitted += n
	metrics.RowsCommitted.WithLabelValues("table").Add(float64(n))
}

func (e *Engine) runFile(ctx context.Context, providerPrefix string, req Request, res *Result, log *zap.Logger) error {
	file, err := e.callFile(ctx, func(ctx context.Context) (*federation.File, error) {
		return e.deps.Provider.FetchFile(ctx, providerPrefix, req.AssetID, req.AuthToken)
	})
	if err != nil {
		return err
	}

	ref, err := e.call(ctx, func(ctx context.Context) (federation.StorageRef, error) {
		return e.deps.Storage.StoreFile(ctx, *file)
	})
	if err != nil {
		return err
	}

	state, err := e.deps.Offsets.Get(ctx, req.AssetID)
	if err != nil {
		return err
	}
	if state == nil {
		if _, err := e.deps.Offsets.CreateInitial(ctx, req.AssetID, ref.StorageID, ref.Version); err != nil {
			return err
		}
	}

	res.File = true
	res.StorageID = ref.StorageID
	res.Batches = 1
	log.Debug("file stored", zap.String("storage_id", ref.StorageID), zap.Int("bytes", len(file.Data)))
	return nil
}

func (e *Engine) fetch(ctx context.Context, providerPrefix string, req Request, page federation.BatchRequest) (federation.Rows, error) {
	var result federation.BatchResult
	err := e.callErr(ctx, func(ctx context.Context) error {
		var err error
		result, err = e.deps.Provider.FetchBatch(ctx, providerPrefix, req.AssetID, page, req.AuthToken)
		return err
	})
	if err != nil {
		metrics.BatchesFetched.WithLabelValues("error").Inc()
		return federation.Rows{}, err
	}

	switch r := result.(type) {
	case federation.Rows:
		if len(r.Records) == 0 {
			metrics.BatchesFetched.WithLabelValues("empty").Inc()
		} else {
			metrics.BatchesFetched.WithLabelValues("rows").Inc()
		}
		return r, nil
	case federation.Failure:
		metrics.BatchesFetched.WithLabelValues("failure").Inc()
		return federation.Rows{}, errors.Newf(errors.ErrorTypeInternal, "provider reported failure: %s", r.Message).
			WithDetail("code", r.Code).
			WithDetail("offset", page.Offset)
	default:
		return federation.Rows{}, errors.Newf(errors.ErrorTypeInternal, "unexpected batch result %T", result)
	}
}

// publish points the metadata at the local copy and makes sure the local
// catalog exists. Failures are recorded as warnings.
func (e *Engine) publish(ctx context.Context, req Request, md *federation.Metadata, format, localPrefix string, res *Result, log *zap.Logger) {
	if md == nil {
		res.Warnings = append(res.Warnings, "metadata unavailable, access url not rewritten")
	} else {
		rewriteAccessURL(md, format, AccessURL(localPrefix, res.StorageID))
		err := e.publishRetry.Execute(ctx, func(ctx context.Context) error {
			return e.deps.Metadata.CreateOrUpdateMetadata(ctx, md, req.AuthToken)
		}, errors.IsRetryable)
		if err != nil {
			log.Warn("failed to publish metadata", zap.Error(err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("publish metadata: %v", err))
		}
	}

	_, err := e.deps.Metadata.RetrieveCatalog(ctx, req.AuthToken)
	switch {
	case err == nil:
	case errors.IsType(err, errors.ErrorTypeNotFound):
		catalog := LocalCatalog
		err = e.publishRetry.Execute(ctx, func(ctx context.Context) error {
			return e.deps.Metadata.CreateCatalog(ctx, &catalog, req.AuthToken)
		}, errors.IsRetryable)
		if err != nil {
			log.Warn("failed to create catalog", zap.Error(err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("create catalog: %v", err))
		}
	default:
		log.Warn("failed to retrieve catalog", zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("retrieve catalog: %v", err))
	}
}

func (e *Engine) callErr(ctx context.Context, fn func(context.Context) error) error {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (e *Engine) call(ctx context.Context, fn func(context.Context) (federation.StorageRef, error)) (federation.StorageRef, error) {
	var ref federation.StorageRef
	err := e.callErr(ctx, func(ctx context.Context) error {
		var err error
		ref, err = fn(ctx)
		return err
	})
	return ref, err
}

func (e *Engine) callFile(ctx context.Context, fn func(context.Context) (*federation.File, error)) (*federation.File, error) {
	var file *federation.File
	err := e.callErr(ctx, func(ctx context.Context) error {
		var err error
		file, err = fn(ctx)
		return err
	})
	return file, err
}

// TableName is the local table name for an asset.
func TableName(assetID string) string {
	return "asset_" + strings.NewReplacer("-", "_", ":", "_", "/", "_").Replace(assetID)
}

// AccessURL is where consumers reach the local copy.
func AccessURL(localPrefix, storageID string) string {
	return strings.TrimRight(localPrefix, "/") + "/storage/" + url.PathEscape(storageID)
}

func metadataFormat(md *federation.Metadata, requested string) string {
	if md == nil || len(md.Distributions) == 0 {
		return ""
	}
	for _, d := range md.Distributions {
		if strings.EqualFold(d.Format, requested) {
			return d.Format
		}
	}
	return md.Distributions[0].Format
}

func rewriteAccessURL(md *federation.Metadata, format, accessURL string) {
	matched := false
	for i := range md.Distributions {
		if strings.EqualFold(md.Distributions[i].Format, format) {
			md.Distributions[i].AccessURL = accessURL
			matched = true
		}
	}
	if matched {
		return
	}
	if len(md.Distributions) > 0 {
		md.Distributions[0].AccessURL = accessURL
		return
	}
	md.Distributions = append(md.Distributions, federation.Distribution{Format: format, AccessURL: accessURL})
}
