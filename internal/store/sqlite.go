package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS locations (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	dataset             TEXT NOT NULL,
	record_id           TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	lat                 REAL NOT NULL,
	lng                 REAL NOT NULL,
	job_type            TEXT NOT NULL DEFAULT '',
	priority            TEXT NOT NULL DEFAULT 'mid',
	permit_status       TEXT NOT NULL DEFAULT '',
	permit_last_updated DATETIME,
	keywords            TEXT NOT NULL DEFAULT '[]',
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (dataset, record_id)
);

CREATE TABLE IF NOT EXISTS dataset_cursors (
	dataset    TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_locations_lat_lng ON locations(lat, lng);
CREATE INDEX IF NOT EXISTS idx_locations_job_type ON locations(job_type);
CREATE INDEX IF NOT EXISTS idx_locations_priority ON locations(priority);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertLocations(ctx context.Context, locs []model.Location) (int64, error) {
	if len(locs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO locations
			(dataset, record_id, name, description, lat, lng, job_type, priority, permit_status, permit_last_updated, keywords, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset, record_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			lat = excluded.lat,
			lng = excluded.lng,
			job_type = excluded.job_type,
			priority = excluded.priority,
			permit_status = excluded.permit_status,
			permit_last_updated = excluded.permit_last_updated,
			keywords = excluded.keywords,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var count int64
	for _, loc := range locs {
		keywordsJSON, err := json.Marshal(loc.Keywords)
		if err != nil {
			return count, eris.Wrapf(err, "sqlite: marshal keywords for %s", loc.RecordID)
		}
		var lastUpdated any
		if !loc.PermitLastUpdated.IsZero() {
			lastUpdated = loc.PermitLastUpdated.UTC()
		}
		_, err = stmt.ExecContext(ctx,
			loc.Dataset, loc.RecordID, loc.Name, loc.Description,
			loc.Lat, loc.Lng, loc.JobType, loc.Priority,
			loc.PermitStatus, lastUpdated, string(keywordsJSON), now,
		)
		if err != nil {
			return count, eris.Wrapf(err, "sqlite: upsert location %s/%s", loc.Dataset, loc.RecordID)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return count, eris.Wrap(err, "sqlite: commit upsert")
	}
	return count, nil
}

func (s *SQLiteStore) LocationsWithin(ctx context.Context, bounds geo.BBox, filters model.Filters) ([]model.Location, error) {
	return s.queryLocations(ctx, bounds, filters, maxViewportLocations)
}

func (s *SQLiteStore) ClustersWithin(ctx context.Context, bounds geo.BBox, zoom int, filters model.Filters) ([]model.RawCluster, error) {
	locs, err := s.queryLocations(ctx, bounds, filters, 0)
	if err != nil {
		return nil, err
	}
	return clusterLocations(locs, zoom), nil
}

func (s *SQLiteStore) queryLocations(ctx context.Context, bounds geo.BBox, filters model.Filters, limit int) ([]model.Location, error) {
	if err := bounds.Validate(); err != nil {
		return nil, eris.Wrap(err, "sqlite: query locations")
	}

	query := `SELECT id, dataset, record_id, name, description, lat, lng, job_type, priority, permit_status, permit_last_updated, keywords
	          FROM locations
	          WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?`
	args := []any{bounds.MinLat, bounds.MaxLat, bounds.MinLng, bounds.MaxLng}

	if filters.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, filters.JobType)
	}
	if filters.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, filters.Priority)
	}
	// High-priority, recently-updated permits must survive the viewport
	// cap, so truncation never happens in insertion order.
	query += ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'mid' THEN 1 ELSE 2 END,
	           permit_last_updated DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query locations")
	}
	defer rows.Close()

	var locs []model.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		// Keyword matching happens here so both backends share the
		// semantics in model.Filters.
		if len(filters.Keywords) > 0 && !filters.Match(*loc) {
			continue
		}
		locs = append(locs, *loc)
	}
	return locs, eris.Wrap(rows.Err(), "sqlite: query locations iterate")
}

func (s *SQLiteStore) CountLocations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count locations")
}

func (s *SQLiteStore) DatasetCursor(ctx context.Context, dataset string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM dataset_cursors WHERE dataset = ?`,
		dataset,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get cursor for %s", dataset)
	}
	return cursor, nil
}

func (s *SQLiteStore) SetDatasetCursor(ctx context.Context, dataset, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset_cursors (dataset, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (dataset) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		dataset, cursor, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: set cursor for %s", dataset)
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanLocation(row scannable) (*model.Location, error) {
	var loc model.Location
	var keywordsJSON string
	var lastUpdated sql.NullTime

	err := row.Scan(&loc.ID, &loc.Dataset, &loc.RecordID, &loc.Name, &loc.Description,
		&loc.Lat, &loc.Lng, &loc.JobType, &loc.Priority,
		&loc.PermitStatus, &lastUpdated, &keywordsJSON)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan location")
	}

	if lastUpdated.Valid {
		loc.PermitLastUpdated = lastUpdated.Time.UTC()
	}
	if keywordsJSON != "" && keywordsJSON != "[]" && keywordsJSON != "null" {
		if err := json.Unmarshal([]byte(keywordsJSON), &loc.Keywords); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal keywords")
		}
	}
	return &loc, nil
}
