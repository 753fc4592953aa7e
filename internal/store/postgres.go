package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fieldscope/permitmap/internal/db"
	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection
// for the hottest store operations. Viewport queries stay dynamic
// because their predicates depend on the active filters.
var preparedStatements = map[string]string{
	"count_locations": `SELECT COUNT(*) FROM locations`,
	"get_cursor":      `SELECT cursor FROM dataset_cursors WHERE dataset = $1`,
	"set_cursor": `INSERT INTO dataset_cursors (dataset, cursor, updated_at) VALUES ($1, $2, $3)
	 ON CONFLICT (dataset) DO UPDATE SET cursor = $2, updated_at = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS locations (
	id                  BIGSERIAL PRIMARY KEY,
	dataset             TEXT NOT NULL,
	record_id           TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	lat                 DOUBLE PRECISION NOT NULL,
	lng                 DOUBLE PRECISION NOT NULL,
	geom                geometry(Point, 4326),
	job_type            TEXT NOT NULL DEFAULT '',
	priority            TEXT NOT NULL DEFAULT 'mid',
	permit_status       TEXT NOT NULL DEFAULT '',
	permit_last_updated TIMESTAMPTZ,
	keywords            JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (dataset, record_id)
);

CREATE INDEX IF NOT EXISTS idx_locations_lat_lng ON locations(lat, lng);
CREATE INDEX IF NOT EXISTS idx_locations_geom ON locations USING gist (geom);
CREATE INDEX IF NOT EXISTS idx_locations_job_type ON locations(job_type);
CREATE INDEX IF NOT EXISTS idx_locations_priority ON locations(priority);

CREATE TABLE IF NOT EXISTS dataset_cursors (
	dataset    TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// locationColumns is the COPY column order for bulk upserts.
var locationColumns = []string{
	"dataset", "record_id", "name", "description", "lat", "lng", "geom",
	"job_type", "priority", "permit_status", "permit_last_updated",
	"keywords", "updated_at",
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertLocations(ctx context.Context, locs []model.Location) (int64, error) {
	if len(locs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(locs))
	for _, loc := range locs {
		keywordsJSON, err := json.Marshal(loc.Keywords)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal keywords for %s", loc.RecordID)
		}
		var lastUpdated any
		if !loc.PermitLastUpdated.IsZero() {
			lastUpdated = loc.PermitLastUpdated.UTC()
		}
		geomEWKB, err := pointEWKB(loc.Lat, loc.Lng)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode geometry for %s", loc.RecordID)
		}
		rows = append(rows, []any{
			loc.Dataset, loc.RecordID, loc.Name, loc.Description,
			loc.Lat, loc.Lng, geomEWKB, loc.JobType, loc.Priority,
			loc.PermitStatus, lastUpdated, keywordsJSON, now,
		})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "locations",
		Columns:      locationColumns,
		ConflictKeys: []string{"dataset", "record_id"},
	}, rows)
}

func (s *PostgresStore) LocationsWithin(ctx context.Context, bounds geo.BBox, filters model.Filters) ([]model.Location, error) {
	return s.queryLocations(ctx, bounds, filters, maxViewportLocations)
}

func (s *PostgresStore) ClustersWithin(ctx context.Context, bounds geo.BBox, zoom int, filters model.Filters) ([]model.RawCluster, error) {
	locs, err := s.queryLocations(ctx, bounds, filters, 0)
	if err != nil {
		return nil, err
	}
	return clusterLocations(locs, zoom), nil
}

func (s *PostgresStore) queryLocations(ctx context.Context, bounds geo.BBox, filters model.Filters, limit int) ([]model.Location, error) {
	if err := bounds.Validate(); err != nil {
		return nil, eris.Wrap(err, "postgres: query locations")
	}

	query := `SELECT id, dataset, record_id, name, description, lat, lng, job_type, priority, permit_status, permit_last_updated, keywords
	          FROM locations
	          WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4`
	args := []any{bounds.MinLat, bounds.MaxLat, bounds.MinLng, bounds.MaxLng}
	argIdx := 5

	if filters.JobType != "" {
		query += fmt.Sprintf(` AND job_type = $%d`, argIdx)
		args = append(args, filters.JobType)
		argIdx++
	}
	if filters.Priority != "" {
		query += fmt.Sprintf(` AND priority = $%d`, argIdx)
		args = append(args, filters.Priority)
		argIdx++
	}
	// Same priority-then-recency order as the sqlite backend, so the
	// viewport cap keeps the rows that matter.
	query += ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'mid' THEN 1 ELSE 2 END,
	           permit_last_updated DESC NULLS LAST, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query locations")
	}
	defer rows.Close()

	var locs []model.Location
	for rows.Next() {
		var loc model.Location
		var keywordsJSON []byte
		var lastUpdated *time.Time

		if err := rows.Scan(&loc.ID, &loc.Dataset, &loc.RecordID, &loc.Name, &loc.Description,
			&loc.Lat, &loc.Lng, &loc.JobType, &loc.Priority,
			&loc.PermitStatus, &lastUpdated, &keywordsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan location")
		}
		if lastUpdated != nil {
			loc.PermitLastUpdated = lastUpdated.UTC()
		}
		if len(keywordsJSON) > 0 {
			if err := json.Unmarshal(keywordsJSON, &loc.Keywords); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal keywords")
			}
		}
		if len(filters.Keywords) > 0 && !filters.Match(loc) {
			continue
		}
		locs = append(locs, loc)
	}
	return locs, eris.Wrap(rows.Err(), "postgres: query locations iterate")
}

func (s *PostgresStore) CountLocations(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM locations`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count locations")
}

func (s *PostgresStore) DatasetCursor(ctx context.Context, dataset string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor FROM dataset_cursors WHERE dataset = $1`,
		dataset,
	).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "postgres: get cursor for %s", dataset)
	}
	return cursor, nil
}

func (s *PostgresStore) SetDatasetCursor(ctx context.Context, dataset, cursor string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dataset_cursors (dataset, cursor, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (dataset) DO UPDATE SET cursor = $2, updated_at = $3`,
		dataset, cursor, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: set cursor for %s", dataset)
}
