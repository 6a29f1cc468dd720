package offset

import (
	"context"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/marketsync/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sync_states (
	id              TEXT        NOT NULL,
	remote_asset_id TEXT        NOT NULL PRIMARY KEY,
	storage_version TEXT        NOT NULL DEFAULT '',
	row_offset      BIGINT      NOT NULL DEFAULT 0 CHECK (row_offset >= 0),
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS query_selectors (
	remote_asset_id TEXT        NOT NULL PRIMARY KEY,
	query           JSONB       NOT NULL DEFAULT '{}'::jsonb,
	columns         JSONB       NOT NULL DEFAULT '[]'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);`

// PostgresStore is the shared Offset Store backend used by multi-worker deployments.
type PostgresStore struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *zap.Logger
}

// NewPostgresStore connects a pgx pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse postgres dsn")
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "ping postgres")
	}

	return &PostgresStore{
		pool:   pool,
		now:    o.now,
		logger: o.logger.With(zap.String("component", "offset_store"), zap.String("driver", "postgres")),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "create postgres schema")
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, remoteAssetID string) (*SyncState, error) {
	var st SyncState
	err := s.pool.QueryRow(ctx,
		`SELECT id, remote_asset_id, storage_version, row_offset, created_at, updated_at
		   FROM sync_states WHERE remote_asset_id = $1`, remoteAssetID).
		Scan(&st.ID, &st.RemoteAssetID, &st.StorageVersion, &st.Offset, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "read sync state")
	}
	return &st, nil
}

func (s *PostgresStore) CreateInitial(ctx context.Context, remoteAssetID, storageID, storageVersion string) (*SyncState, error) {
	now := s.now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_states (id, remote_asset_id, storage_version, row_offset, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)`,
		storageID, remoteAssetID, storageVersion, now)
	if isUniqueViolation(err) {
		return nil, conflict(remoteAssetID, "sync state")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "create sync state")
	}

	s.logger.Debug("sync state created",
		zap.String("remote_asset_id", remoteAssetID),
		zap.String("storage_id", storageID))

	return &SyncState{
		ID:             storageID,
		RemoteAssetID:  remoteAssetID,
		StorageVersion: storageVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *PostgresStore) Advance(ctx context.Context, remoteAssetID string, newOffset int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_states SET row_offset = $1, updated_at = $2
		  WHERE remote_asset_id = $3 AND row_offset <= $1`,
		newOffset, s.now().UTC(), remoteAssetID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "advance offset")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := s.Get(ctx, remoteAssetID)
	if err != nil {
		return err
	}
	if existing == nil {
		return notFound(remoteAssetID, "sync state")
	}
	return regression(remoteAssetID, newOffset)
}

func (s *PostgresStore) Delete(ctx context.Context, remoteAssetID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sync_states WHERE remote_asset_id = $1`, remoteAssetID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "delete sync state")
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, remoteAssetID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_states SET updated_at = $1 WHERE remote_asset_id = $2`,
		s.now().UTC(), remoteAssetID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "touch sync state")
	}
	if tag.RowsAffected() == 0 {
		return notFound(remoteAssetID, "sync state")
	}
	return nil
}

func (s *PostgresStore) GetSelector(ctx context.Context, remoteAssetID string) (*QuerySelector, error) {
	var (
		sel            QuerySelector
		query, columns []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT remote_asset_id, query::text, columns::text, created_at, updated_at
		   FROM query_selectors WHERE remote_asset_id = $1`, remoteAssetID).
		Scan(&sel.RemoteAssetID, &query, &columns, &sel.CreatedAt, &sel.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "read query selector")
	}
	if err := decodeSelector(&sel, query, columns); err != nil {
		return nil, err
	}
	return &sel, nil
}

func (s *PostgresStore) CreateSelector(ctx context.Context, selector QuerySelector) (*QuerySelector, error) {
	query, columns, err := encodeSelector(selector)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO query_selectors (remote_asset_id, query, columns, created_at, updated_at)
		 VALUES ($1, $2::jsonb, $3::jsonb, $4, $4)`,
		selector.RemoteAssetID, string(query), string(columns), now)
	if isUniqueViolation(err) {
		return nil, conflict(selector.RemoteAssetID, "query selector")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "create query selector")
	}
	selector.CreatedAt = now
	selector.UpdatedAt = now
	return &selector, nil
}

func (s *PostgresStore) UpdateSelector(ctx context.Context, selector QuerySelector) (*QuerySelector, error) {
	query, columns, err := encodeSelector(selector)
	if err != nil {
		return nil, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_selectors SET query = $1::jsonb, columns = $2::jsonb, updated_at = $3
		  WHERE remote_asset_id = $4`,
		string(query), string(columns), s.now().UTC(), selector.RemoteAssetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "update query selector")
	}
	if tag.RowsAffected() == 0 {
		return nil, notFound(selector.RemoteAssetID, "query selector")
	}
	return s.GetSelector(ctx, selector.RemoteAssetID)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	pgErr := new(pgconn.PgError)
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
