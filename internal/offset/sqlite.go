package offset

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ajitpratap0/marketsync/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_states (
	id              TEXT    NOT NULL,
	remote_asset_id TEXT    NOT NULL PRIMARY KEY,
	storage_version TEXT    NOT NULL DEFAULT '',
	row_offset      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS query_selectors (
	remote_asset_id TEXT    NOT NULL PRIMARY KEY,
	query           TEXT    NOT NULL DEFAULT '{}',
	columns         TEXT    NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);`

// SQLiteStore is the single-node Offset Store backend.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewSQLiteStore opens a sqlite database at dsn.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "open sqlite")
	}
	// sqlite allows a single writer; serializing here avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	return &SQLiteStore{
		db:     db,
		now:    o.now,
		logger: o.logger.With(zap.String("component", "offset_store"), zap.String("driver", "sqlite")),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "create sqlite schema")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, remoteAssetID string) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, remote_asset_id, storage_version, row_offset, created_at, updated_at
		   FROM sync_states WHERE remote_asset_id = ?`, remoteAssetID)

	var (
		st               SyncState
		created, updated int64
	)
	err := row.Scan(&st.ID, &st.RemoteAssetID, &st.StorageVersion, &st.Offset, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "read sync state")
	}
	st.CreatedAt = fromMillis(created)
	st.UpdatedAt = fromMillis(updated)
	return &st, nil
}

func (s *SQLiteStore) CreateInitial(ctx context.Context, remoteAssetID, storageID, storageVersion string) (*SyncState, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (id, remote_asset_id, storage_version, row_offset, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT (remote_asset_id) DO NOTHING`,
		storageID, remoteAssetID, storageVersion, toMillis(now), toMillis(now))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "create sync state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, conflict(remoteAssetID, "sync state")
	}

	s.logger.Debug("sync state created",
		zap.String("remote_asset_id", remoteAssetID),
		zap.String("storage_id", storageID))

	return &SyncState{
		ID:             storageID,
		RemoteAssetID:  remoteAssetID,
		StorageVersion: storageVersion,
		CreatedAt:      fromMillis(toMillis(now)),
		UpdatedAt:      fromMillis(toMillis(now)),
	}, nil
}

func (s *SQLiteStore) Advance(ctx context.Context, remoteAssetID string, newOffset int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET row_offset = ?, updated_at = ?
		  WHERE remote_asset_id = ? AND row_offset <= ?`,
		newOffset, toMillis(s.now()), remoteAssetID, newOffset)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "advance offset")
	}
	if n, _ := res.RowsAffected(); n > 0 {
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

func (s *SQLiteStore) Delete(ctx context.Context, remoteAssetID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_states WHERE remote_asset_id = ?`, remoteAssetID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "delete sync state")
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, remoteAssetID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET updated_at = ? WHERE remote_asset_id = ?`,
		toMillis(s.now()), remoteAssetID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "touch sync state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(remoteAssetID, "sync state")
	}
	return nil
}

func (s *SQLiteStore) GetSelector(ctx context.Context, remoteAssetID string) (*QuerySelector, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT remote_asset_id, query, columns, created_at, updated_at
		   FROM query_selectors WHERE remote_asset_id = ?`, remoteAssetID)

	var (
		sel              QuerySelector
		query, columns   string
		created, updated int64
	)
	err := row.Scan(&sel.RemoteAssetID, &query, &columns, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "read query selector")
	}
	if err := decodeSelector(&sel, []byte(query), []byte(columns)); err != nil {
		return nil, err
	}
	sel.CreatedAt = fromMillis(created)
	sel.UpdatedAt = fromMillis(updated)
	return &sel, nil
}

func (s *SQLiteStore) CreateSelector(ctx context.Context, selector QuerySelector) (*QuerySelector, error) {
	query, columns, err := encodeSelector(selector)
	if err != nil {
		return nil, err
	}
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO query_selectors (remote_asset_id, query, columns, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (remote_asset_id) DO NOTHING`,
		selector.RemoteAssetID, string(query), string(columns), now, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "create query selector")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, conflict(selector.RemoteAssetID, "query selector")
	}
	selector.CreatedAt = fromMillis(now)
	selector.UpdatedAt = fromMillis(now)
	return &selector, nil
}

func (s *SQLiteStore) UpdateSelector(ctx context.Context, selector QuerySelector) (*QuerySelector, error) {
	query, columns, err := encodeSelector(selector)
	if err != nil {
		return nil, err
	}
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_selectors SET query = ?, columns = ?, updated_at = ? WHERE remote_asset_id = ?`,
		string(query), string(columns), now, selector.RemoteAssetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "update query selector")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound(selector.RemoteAssetID, "query selector")
	}
	return s.GetSelector(ctx, selector.RemoteAssetID)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeSelector(sel QuerySelector) ([]byte, []byte, error) {
	query := sel.Query
	if query == nil {
		query = map[string]interface{}{}
	}
	columns := sel.Columns
	if columns == nil {
		columns = []string{}
	}
	q, err := json.Marshal(query)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode selector query")
	}
	c, err := json.Marshal(columns)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode selector columns")
	}
	return q, c, nil
}

func decodeSelector(sel *QuerySelector, query, columns []byte) error {
	if err := json.Unmarshal(query, &sel.Query); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "decode selector query")
	}
	if err := json.Unmarshal(columns, &sel.Columns); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "decode selector columns")
	}
	return nil
}
