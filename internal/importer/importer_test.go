package importer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/db"
	"github.com/abdul-hamid-achik/sfmimport/internal/importer"
	"github.com/abdul-hamid-achik/sfmimport/internal/matrix"
	"github.com/abdul-hamid-achik/sfmimport/internal/pairkey"
	"github.com/abdul-hamid-achik/sfmimport/internal/testutil"
)

func newImporter(t *testing.T, ds *testutil.Dataset) (*importer.Importer, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatasetPath = ds.Root

	database, err := db.Open(context.Background(), ds.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	return importer.New(database, cfg), cfg
}

func readManifest(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := os.ReadFile(cfg.ManifestPath())
	require.NoError(t, err)
	return string(data)
}

func TestRunEndToEnd(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.WriteMatches("A", "B", 5, 2, 0)

	imp, cfg := newImporter(t, ds)
	result, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), ds.Count("keypoints"))
	assert.Equal(t, []int64{pairkey.Encode(1, 2)}, ds.PairIDs("matches"))
	assert.Equal(t, "A B\n", readManifest(t, cfg))

	want := &importer.Result{
		Schema:       db.SchemaTwoViewGeometries,
		Images:       2,
		Keypoints:    2,
		MatchFiles:   1,
		Pairs:        []importer.Pair{{Name1: "A", Name2: "B"}},
		MatchSummary: importer.Summary{Count: 1, Total: 5, Mean: 5, Min: 5, Max: 5},
		ManifestPath: filepath.Join(ds.Root, "image-pairs.txt"),
	}
	result.Duration = 0
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStoresDecodedMatrices(t *testing.T) {
	ctx := context.Background()
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 2)
	ds.WriteMatches("B", "A", 4, 2, 7)

	imp, _ := newImporter(t, ds)
	_, err := imp.Run(ctx)
	require.NoError(t, err)

	database, err := db.Open(ctx, ds.DBPath)
	require.NoError(t, err)
	defer database.Close()

	want, err := matrix.ReadFile[float32](filepath.Join(ds.Root, "keypoints", "A.bin"))
	require.NoError(t, err)
	got, err := database.Keypoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	matches, err := database.Matches(ctx, pairkey.Encode(2, 1))
	require.NoError(t, err)
	assert.Equal(t, 4, matches.Rows)
	assert.Equal(t, []uint32{7, 8}, matches.Row(0))
}

func TestRunDeduplicatesSwappedPairs(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.WriteMatches("A", "B", 5, 2, 0)
	ds.WriteMatches("B", "A", 9, 2, 100)

	imp, cfg := newImporter(t, ds)
	result, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{pairkey.Encode(1, 2)}, ds.PairIDs("matches"))
	assert.Equal(t, 2, result.MatchFiles)
	assert.Equal(t, 1, result.SkippedDuplicates)
	assert.Equal(t, "A B\n", readManifest(t, cfg), "skipped duplicates are not listed")
	assert.Equal(t, int64(5), result.MatchSummary.Total, "first file wins")
}

func TestRunIsIdempotent(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2, "C": 3})
	for _, name := range []string{"A", "B", "C"} {
		ds.WriteFeatures(name, 4)
	}
	ds.WriteMatches("A", "B", 5, 2, 0)
	ds.WriteMatches("B", "C", 3, 2, 0)

	imp, cfg := newImporter(t, ds)
	for i := 0; i < 2; i++ {
		_, err := imp.Run(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, int64(3), ds.Count("keypoints"))
	assert.Equal(t, []int64{pairkey.Encode(1, 2), pairkey.Encode(2, 3)}, ds.PairIDs("matches"))
	assert.Equal(t, "A B\nB C\n", readManifest(t, cfg))
}

func TestRunClearsStaleRows(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.Exec("INSERT INTO descriptors(image_id, rows, cols, data) VALUES (1, 0, 128, x'')")
	ds.Exec("INSERT INTO matches(pair_id, rows, cols, data) VALUES (999, 0, 2, x'')")
	ds.Exec("INSERT INTO two_view_geometries(pair_id, rows, cols, data, config) VALUES (999, 3, 2, x'', 2)")

	imp, _ := newImporter(t, ds)
	_, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, ds.Count("descriptors"))
	assert.Zero(t, ds.Count("matches"))
	assert.Zero(t, ds.Count("two_view_geometries"))
	assert.Equal(t, int64(2), ds.Count("keypoints"))
}

func TestRunLegacySchema(t *testing.T) {
	ds := testutil.NewLegacyDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.WriteMatches("A", "B", 5, 2, 0)
	ds.Exec("INSERT INTO inlier_matches(pair_id, rows, cols, data, config) VALUES (7, 1, 2, x'', 2)")

	imp, _ := newImporter(t, ds)
	result, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, db.SchemaInlierMatches, result.Schema)
	assert.Zero(t, ds.Count("inlier_matches"))
	assert.Equal(t, int64(1), ds.Count("matches"))
}

func TestRunShapeErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ds *testutil.Dataset)
		path  string
	}{
		{
			name: "keypoints with 3 columns",
			setup: func(ds *testutil.Dataset) {
				ds.WriteKeypoints("A", 3, 3)
				ds.WriteDescriptors("A", 3, 128)
			},
			path: "keypoints/A.bin",
		},
		{
			name: "keypoint and descriptor rows differ",
			setup: func(ds *testutil.Dataset) {
				ds.WriteKeypoints("A", 3, 4)
				ds.WriteDescriptors("A", 2, 128)
			},
			path: "keypoints/A.bin",
		},
		{
			name: "matches with 3 columns",
			setup: func(ds *testutil.Dataset) {
				ds.WriteFeatures("A", 3)
				ds.WriteMatches("A", "B", 5, 3, 0)
			},
			path: "matches/A---B.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
			ds.WriteFeatures("B", 3)
			tt.setup(ds)

			imp, cfg := newImporter(t, ds)
			result, err := imp.Run(context.Background())
			require.Error(t, err)
			assert.Nil(t, result)

			var shapeErr *importer.ShapeError
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, filepath.Join(ds.Root, tt.path), shapeErr.Path)
			assert.Zero(t, ds.Count("matches"))

			_, statErr := os.Stat(cfg.ManifestPath())
			assert.ErrorIs(t, statErr, os.ErrNotExist, "no manifest after a failed run")
		})
	}
}

func TestRunMissingImage(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.WriteMatches("A", "C", 5, 2, 0)

	imp, _ := newImporter(t, ds)
	_, err := imp.Run(context.Background())

	var lookupErr *importer.LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Equal(t, "C", lookupErr.Name)
	assert.Zero(t, ds.Count("matches"))
	assert.Equal(t, int64(2), ds.Count("keypoints"), "committed keypoints remain")
}

func TestRunFormatErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ds *testutil.Dataset)
	}{
		{
			name:  "missing keypoint file",
			setup: func(ds *testutil.Dataset) { ds.WriteDescriptors("A", 3, 128) },
		},
		{
			name: "missing descriptor file",
			setup: func(ds *testutil.Dataset) {
				ds.WriteKeypoints("A", 3, 4)
			},
		},
		{
			name: "truncated match file",
			setup: func(ds *testutil.Dataset) {
				ds.WriteFeatures("A", 3)
				ds.WriteFile("matches/A---B.bin", []byte{1, 0, 0, 0, 2, 0, 0, 0, 9})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
			ds.WriteFeatures("B", 3)
			tt.setup(ds)

			imp, _ := newImporter(t, ds)
			_, err := imp.Run(context.Background())

			var formatErr *matrix.FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.NotEmpty(t, formatErr.Path)
		})
	}
}

func TestRunRejectsSelfPair(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1})
	ds.WriteFeatures("A", 3)
	ds.WriteMatches("A", "A", 5, 2, 0)

	imp, _ := newImporter(t, ds)
	_, err := imp.Run(context.Background())
	assert.ErrorIs(t, err, pairkey.ErrSameID)
}

func TestRunRejectsMalformedPairName(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.WriteFile("matches/A---B---C.bin", nil)

	imp, _ := newImporter(t, ds)
	_, err := imp.Run(context.Background())
	assert.ErrorIs(t, err, importer.ErrPairName)
}

func TestRunIgnorePatterns(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2, "C": 3})
	for _, name := range []string{"A", "B", "C"} {
		ds.WriteFeatures(name, 3)
	}
	ds.WriteMatches("A", "B", 5, 2, 0)
	ds.WriteMatches("A", "C", 5, 2, 0)
	ds.WriteMatches("B", "C", 5, 2, 0)
	ds.WriteFile("matches/.sfmignore", []byte("# skip\nB---C.bin\n"))
	ds.WriteFile("matches/notes.txt", []byte("not a match file"))

	imp, cfg := newImporter(t, ds)
	cfg.Import.IgnorePatterns = []string{"A---C.bin"}

	result, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.MatchFiles)
	assert.Equal(t, "A B\n", readManifest(t, cfg))
}

func TestRunHoldsLock(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1})
	ds.WriteFeatures("A", 3)

	lock, err := db.AcquireLock(ds.DBPath)
	require.NoError(t, err)

	imp, _ := newImporter(t, ds)
	_, err = imp.Run(context.Background())
	assert.True(t, errors.Is(err, db.ErrLocked))
	assert.Zero(t, ds.Count("keypoints"), "nothing cleared or written while locked")

	require.NoError(t, lock.Release())
	_, err = imp.Run(context.Background())
	require.NoError(t, err)

	locked, err := db.IsLocked(ds.DBPath)
	require.NoError(t, err)
	assert.False(t, locked, "lock released after the run")
}

func TestRunRecoversFromStaleLockFile(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1})
	ds.WriteFeatures("A", 3)
	ds.WriteFile("database.db.lock", []byte("999999\n"))

	imp, _ := newImporter(t, ds)
	result, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Keypoints)
}

func TestRunReportsProgress(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1, "B": 2})
	ds.WriteFeatures("A", 3)
	ds.WriteFeatures("B", 3)
	ds.WriteMatches("A", "B", 5, 2, 0)

	imp, _ := newImporter(t, ds)
	var last = map[importer.Stage]importer.Progress{}
	imp.SetProgressCallback(func(p importer.Progress) { last[p.Stage] = p })

	_, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, last[importer.StageKeypoints].Done)
	assert.Equal(t, 2, last[importer.StageKeypoints].Total)
	assert.Equal(t, 1, last[importer.StageMatches].Done)
}

func TestRunCancelled(t *testing.T) {
	ds := testutil.NewDataset(t, map[string]int64{"A": 1})
	ds.WriteFeatures("A", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	imp, _ := newImporter(t, ds)
	_, err := imp.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image-pairs.txt")
	pairs := []importer.Pair{{Name1: "a.jpg", Name2: "b.jpg"}, {Name1: "b.jpg", Name2: "c.jpg"}}

	require.NoError(t, importer.WriteManifest(path, pairs))
	got, err := importer.ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, pairs, got)

	require.NoError(t, os.WriteFile(path, []byte("a.jpg\n"), 0o644))
	_, err = importer.ReadManifest(path)
	assert.ErrorContains(t, err, "line 1")
}
