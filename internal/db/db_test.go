package db_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/sfmimport/internal/db"
	"github.com/abdul-hamid-achik/sfmimport/internal/matrix"
	"github.com/abdul-hamid-achik/sfmimport/internal/pairkey"
	"github.com/abdul-hamid-achik/sfmimport/internal/testutil"
)

func openDataset(t *testing.T, ds *testutil.Dataset) *db.DB {
	t.Helper()

	database, err := db.Open(context.Background(), ds.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestOpenMissingFile(t *testing.T) {
	_, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenRejectsForeignDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.db")
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = conn.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = db.Open(context.Background(), path)
	assert.ErrorIs(t, err, db.ErrUnknownSchema)
	assert.Contains(t, err.Error(), "images")
}

func TestDetectSchema(t *testing.T) {
	tests := []struct {
		name    string
		dataset func(testing.TB, map[string]int64) *testutil.Dataset
		want    db.Schema
	}{
		{"current", testutil.NewDataset, db.SchemaTwoViewGeometries},
		{"legacy", testutil.NewLegacyDataset, db.SchemaInlierMatches},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := openDataset(t, tt.dataset(t, nil))

			got, err := database.DetectSchema(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, database.Schema())
		})
	}
}

func TestDetectSchemaPrefersLegacyTable(t *testing.T) {
	ds := testutil.NewDataset(t, nil)
	ds.Exec("CREATE TABLE inlier_matches (pair_id INTEGER PRIMARY KEY NOT NULL, rows INTEGER NOT NULL, cols INTEGER NOT NULL, data BLOB, config INTEGER NOT NULL)")

	database := openDataset(t, ds)
	assert.Equal(t, db.SchemaInlierMatches, database.Schema())
}

func TestDetectSchemaWithoutGeometryTable(t *testing.T) {
	ds := testutil.NewDataset(t, nil)
	ds.Exec("DROP TABLE two_view_geometries")

	_, err := db.Open(context.Background(), ds.DBPath)
	assert.ErrorIs(t, err, db.ErrUnknownSchema)
}

func TestImageIDs(t *testing.T) {
	images := map[string]int64{"a.jpg": 1, "b.jpg": 2, "c.jpg": 7}
	database := openDataset(t, testutil.NewDataset(t, images))

	got, err := database.ImageIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, images, got)
}

func TestInsertAndReadBack(t *testing.T) {
	ctx := context.Background()
	database := openDataset(t, testutil.NewDataset(t, map[string]int64{"a": 1, "b": 2}))

	keypoints := &matrix.Matrix[float32]{Rows: 2, Cols: 4, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, database.InsertKeypoints(ctx, 1, keypoints))

	matches := &matrix.Matrix[uint32]{Rows: 3, Cols: 2, Data: []uint32{0, 0, 1, 2, 5, 9}}
	pairID := pairkey.Encode(1, 2)
	require.NoError(t, database.InsertMatches(ctx, pairID, matches))

	gotKeypoints, err := database.Keypoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, keypoints, gotKeypoints)

	gotMatches, err := database.Matches(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, matches, gotMatches)

	ids, err := database.MatchPairIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{pairID}, ids)
}

func TestInsertMatchesDuplicatePairFails(t *testing.T) {
	ctx := context.Background()
	database := openDataset(t, testutil.NewDataset(t, nil))

	m := &matrix.Matrix[uint32]{Rows: 1, Cols: 2, Data: []uint32{1, 2}}
	require.NoError(t, database.InsertMatches(ctx, 42, m))
	assert.Error(t, database.InsertMatches(ctx, 42, m))

	ids, err := database.MatchPairIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids)
}

func TestClearFeatures(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		name := "current"
		newDataset := testutil.NewDataset
		geometry := "two_view_geometries"
		if legacy {
			name = "legacy"
			newDataset = testutil.NewLegacyDataset
			geometry = "inlier_matches"
		}

		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ds := newDataset(t, map[string]int64{"a": 1, "b": 2})
			ds.Exec("INSERT INTO keypoints(image_id, rows, cols, data) VALUES (1, 0, 4, x'')")
			ds.Exec("INSERT INTO descriptors(image_id, rows, cols, data) VALUES (1, 0, 128, x'')")
			ds.Exec("INSERT INTO matches(pair_id, rows, cols, data) VALUES (5, 0, 2, x'')")
			ds.Exec("INSERT INTO "+geometry+"(pair_id, rows, cols, data, config) VALUES (5, 0, 2, x'', 2)")

			database := openDataset(t, ds)
			require.NoError(t, database.ClearFeatures(ctx))

			for _, table := range []string{"keypoints", "descriptors", "matches", geometry} {
				assert.Zero(t, ds.Count(table), table)
			}
			assert.Equal(t, int64(2), ds.Count("images"), "images must survive the clear")
		})
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	ds := testutil.NewDataset(t, map[string]int64{"a": 1, "b": 2, "c": 3})
	ds.Exec("INSERT INTO two_view_geometries(pair_id, rows, cols, data, config) VALUES (1, 10, 2, x'', 2)")
	ds.Exec("INSERT INTO two_view_geometries(pair_id, rows, cols, data, config) VALUES (2, 5, 2, x'', 2)")
	ds.Exec("INSERT INTO two_view_geometries(pair_id, rows, cols, data, config) VALUES (3, 0, 2, x'', 1)")

	database := openDataset(t, ds)
	require.NoError(t, database.InsertKeypoints(ctx, 1, matrix.Zeros[float32](3, 4)))

	stats, err := database.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &db.Stats{
		Schema:          db.SchemaTwoViewGeometries,
		Images:          3,
		Keypoints:       1,
		Matches:         0,
		VerifiedPairs:   2,
		VerifiedMatches: 15,
	}, stats)
}

func TestStatsLegacyEmpty(t *testing.T) {
	database := openDataset(t, testutil.NewLegacyDataset(t, map[string]int64{"a": 1}))

	stats, err := database.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.SchemaInlierMatches, stats.Schema)
	assert.Equal(t, int64(1), stats.Images)
	assert.Zero(t, stats.VerifiedPairs)
	assert.Zero(t, stats.VerifiedMatches)
}

func TestStatsLegacy(t *testing.T) {
	ds := testutil.NewLegacyDataset(t, map[string]int64{"a": 1, "b": 2})
	ds.Exec("INSERT INTO inlier_matches(pair_id, rows, cols, data, config) VALUES (1, 7, 2, x'', 2)")
	ds.Exec("INSERT INTO inlier_matches(pair_id, rows, cols, data, config) VALUES (2, 0, 2, x'', 1)")

	stats, err := openDataset(t, ds).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.VerifiedPairs)
	assert.Equal(t, int64(7), stats.VerifiedMatches)
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.db")

	lock, err := db.AcquireLock(path)
	require.NoError(t, err)

	_, err = db.AcquireLock(path)
	assert.True(t, errors.Is(err, db.ErrLocked))

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	again, err := db.AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestLockIgnoresStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.db")
	// A run killed mid-import leaves its lock file with a dead pid.
	require.NoError(t, os.WriteFile(path+".lock", []byte("999999\n"), 0o644))

	locked, err := db.IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)

	lock, err := db.AcquireLock(path)
	require.NoError(t, err)

	locked, err = db.IsLocked(path)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, lock.Release())
	locked, err = db.IsLocked(path)
	require.NoError(t, err)
	assert.False(t, locked)
}
