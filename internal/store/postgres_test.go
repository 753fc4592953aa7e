package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

var locationQueryColumns = []string{
	"id", "dataset", "record_id", "name", "description", "lat", "lng",
	"job_type", "priority", "permit_status", "permit_last_updated", "keywords",
}

func TestPostgres_LocationsWithin(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	issued := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)FROM locations.*WHERE lat BETWEEN \$1 AND \$2 AND lng BETWEEN \$3 AND \$4.*ORDER BY CASE priority.*LIMIT \$5`).
		WithArgs(32.0, 33.5, -97.5, -96.0, maxViewportLocations).
		WillReturnRows(pgxmock.NewRows(locationQueryColumns).
			AddRow(int64(1), "dallas", "P-1", "Permit P-1", "", 32.7767, -96.7970,
				"roofing", model.PriorityHigh, "issued", &issued, []byte(`["hail"]`)).
			AddRow(int64(2), "dallas", "P-2", "Permit P-2", "", 32.7800, -96.8000,
				"roofing", model.PriorityMid, "issued", nil, []byte(`[]`)))

	locs, err := st.LocationsWithin(context.Background(), dallasBounds, model.Filters{})
	require.NoError(t, err)
	require.Len(t, locs, 2)

	assert.Equal(t, "P-1", locs[0].RecordID)
	assert.Equal(t, []string{"hail"}, locs[0].Keywords)
	assert.Equal(t, issued, locs[0].PermitLastUpdated)
	assert.True(t, locs[1].PermitLastUpdated.IsZero(), "NULL timestamp reads as zero time")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LocationsWithinFilterArgs(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)FROM locations.*AND job_type = \$5 AND priority = \$6.*LIMIT \$7`).
		WithArgs(32.0, 33.5, -97.5, -96.0, "fencing", model.PriorityHigh, maxViewportLocations).
		WillReturnRows(pgxmock.NewRows(locationQueryColumns))

	locs, err := st.LocationsWithin(context.Background(), dallasBounds, model.Filters{
		JobType:  "fencing",
		Priority: model.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Empty(t, locs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LocationsWithinKeywordPostFilter(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM locations`).
		WithArgs(32.0, 33.5, -97.5, -96.0, maxViewportLocations).
		WillReturnRows(pgxmock.NewRows(locationQueryColumns).
			AddRow(int64(1), "dallas", "R-1", "Permit R-1", "", 32.7767, -96.7970,
				"roofing", model.PriorityMid, "issued", nil, []byte(`["hail"]`)).
			AddRow(int64(2), "dallas", "F-1", "Permit F-1", "", 32.7800, -96.8000,
				"fencing", model.PriorityMid, "issued", nil, []byte(`["wood","storm"]`)))

	locs, err := st.LocationsWithin(context.Background(), dallasBounds, model.Filters{Keywords: []string{"storm"}})
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "F-1", locs[0].RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LocationsWithinRejectsBadBounds(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	_, err := st.LocationsWithin(context.Background(), geo.BBox{MinLat: 5, MinLng: 5, MaxLat: 1, MaxLng: 10}, model.Filters{})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "bad bounds must never reach the database")
}

func TestPostgres_ClustersWithin(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	// No LIMIT clause: clustering reads every row in the bbox.
	mock.ExpectQuery(`(?s)FROM locations.*ORDER BY CASE priority`).
		WithArgs(32.0, 33.5, -97.5, -96.0).
		WillReturnRows(pgxmock.NewRows(locationQueryColumns).
			AddRow(int64(1), "dallas", "P-1", "Permit P-1", "", 32.7767, -96.7970,
				"roofing", model.PriorityMid, "issued", nil, []byte(`[]`)).
			AddRow(int64(2), "dallas", "P-2", "Permit P-2", "", 32.7768, -96.7971,
				"roofing", model.PriorityMid, "issued", nil, []byte(`[]`)))

	clusters, err := st.ClustersWithin(context.Background(), dallasBounds, 8, model.Filters{})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].TotalPoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertLocations(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_locations"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_locations"}, locationColumns).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "locations" .+ ON CONFLICT \("dataset", "record_id"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := st.UpsertLocations(context.Background(), []model.Location{
		testLocation("dallas", "P-1", 32.7767, -96.7970),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertEmptyBatch(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	n, err := st.UpsertLocations(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountLocations(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM locations`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := st.CountLocations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DatasetCursor(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT cursor FROM dataset_cursors WHERE dataset = \$1`).
		WithArgs("dallas").
		WillReturnRows(pgxmock.NewRows([]string{"cursor"}).AddRow("etag-1"))

	cursor, err := st.DatasetCursor(context.Background(), "dallas")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DatasetCursorMissing(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT cursor FROM dataset_cursors WHERE dataset = \$1`).
		WithArgs("plano").
		WillReturnError(pgx.ErrNoRows)

	cursor, err := st.DatasetCursor(context.Background(), "plano")
	require.NoError(t, err, "unknown dataset reads as empty cursor")
	assert.Empty(t, cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetDatasetCursor(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO dataset_cursors`).
		WithArgs("dallas", "etag-2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.SetDatasetCursor(context.Background(), "dallas", "etag-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
