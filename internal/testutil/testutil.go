// Package testutil builds dataset directories and engine-shaped databases
// for tests.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/abdul-hamid-achik/sfmimport/internal/matrix"
)

// engineSchema mirrors the tables the reconstruction engine creates.
const engineSchema = `
CREATE TABLE cameras (
	camera_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	model INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	params BLOB,
	prior_focal_length INTEGER NOT NULL
);
CREATE TABLE images (
	image_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	name TEXT NOT NULL UNIQUE,
	camera_id INTEGER NOT NULL,
	CONSTRAINT image_id_check CHECK(image_id >= 0 and image_id < 2147483647),
	FOREIGN KEY(camera_id) REFERENCES cameras(camera_id)
);
CREATE TABLE keypoints (
	image_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE
);
CREATE TABLE descriptors (
	image_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE
);
CREATE TABLE matches (
	pair_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB
);
`

const twoViewGeometriesTable = `
CREATE TABLE two_view_geometries (
	pair_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	config INTEGER NOT NULL,
	F BLOB,
	E BLOB,
	H BLOB
);
`

const inlierMatchesTable = `
CREATE TABLE inlier_matches (
	pair_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	config INTEGER NOT NULL
);
`

// Dataset is a temporary dataset directory with the engine database and the
// keypoints/, descriptors/ and matches/ inputs.
type Dataset struct {
	t      testing.TB
	Root   string
	DBPath string
}

// NewDataset creates a dataset under t.TempDir with the given images
// registered in a current-schema database.
func NewDataset(t testing.TB, images map[string]int64) *Dataset {
	return newDataset(t, images, twoViewGeometriesTable)
}

// NewLegacyDataset is NewDataset with the legacy inlier_matches schema.
func NewLegacyDataset(t testing.TB, images map[string]int64) *Dataset {
	return newDataset(t, images, inlierMatchesTable)
}

func newDataset(t testing.TB, images map[string]int64, geometryTable string) *Dataset {
	t.Helper()

	root := t.TempDir()
	for _, dir := range []string{"keypoints", "descriptors", "matches", "images"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}

	ds := &Dataset{t: t, Root: root, DBPath: filepath.Join(root, "database.db")}
	ds.execSQL(engineSchema + geometryTable)
	ds.execSQL("INSERT INTO cameras(camera_id, model, width, height, prior_focal_length) VALUES (1, 0, 640, 480, 0)")
	for name, id := range images {
		ds.execSQL("INSERT INTO images(image_id, name, camera_id) VALUES (?, ?, 1)", id, name)
	}
	return ds
}

// Exec runs a statement against the dataset database on a fresh connection.
func (ds *Dataset) Exec(query string, args ...any) {
	ds.t.Helper()
	ds.execSQL(query, args...)
}

// Count returns SELECT COUNT(*) for table.
func (ds *Dataset) Count(table string) int64 {
	ds.t.Helper()

	conn := ds.open()
	defer conn.Close()

	var n int64
	if err := conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		ds.t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// PairIDs returns the pair ids stored in table, ascending.
func (ds *Dataset) PairIDs(table string) []int64 {
	ds.t.Helper()

	conn := ds.open()
	defer conn.Close()

	rows, err := conn.Query("SELECT pair_id FROM " + table + " ORDER BY pair_id")
	if err != nil {
		ds.t.Fatalf("query %s: %v", table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			ds.t.Fatalf("scan %s: %v", table, err)
		}
		ids = append(ids, id)
	}
	return ids
}

// WriteKeypoints writes a rows x cols float32 keypoint file for name.
func (ds *Dataset) WriteKeypoints(name string, rows, cols int) {
	ds.t.Helper()
	ds.writeFloat(filepath.Join(ds.Root, "keypoints", name+".bin"), rows, cols)
}

// WriteDescriptors writes a rows x cols float32 descriptor file for name.
func (ds *Dataset) WriteDescriptors(name string, rows, cols int) {
	ds.t.Helper()
	ds.writeFloat(filepath.Join(ds.Root, "descriptors", name+".bin"), rows, cols)
}

// WriteFeatures writes a keypoint file with 4 columns and a matching
// 128-column descriptor file.
func (ds *Dataset) WriteFeatures(name string, rows int) {
	ds.t.Helper()
	ds.WriteKeypoints(name, rows, 4)
	ds.WriteDescriptors(name, rows, 128)
}

// WriteMatches writes matches/<name1>---<name2>.bin with rows x cols cells
// counting up from first.
func (ds *Dataset) WriteMatches(name1, name2 string, rows, cols int, first uint32) string {
	ds.t.Helper()

	data := make([]uint32, rows*cols)
	for i := range data {
		data[i] = first + uint32(i)
	}
	path := filepath.Join(ds.Root, "matches", name1+"---"+name2+".bin")
	if err := matrix.WriteFile(path, &matrix.Matrix[uint32]{Rows: rows, Cols: cols, Data: data}); err != nil {
		ds.t.Fatalf("write matches: %v", err)
	}
	return path
}

// WriteFile writes raw bytes relative to the dataset root.
func (ds *Dataset) WriteFile(rel string, data []byte) {
	ds.t.Helper()

	path := filepath.Join(ds.Root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		ds.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		ds.t.Fatalf("write %s: %v", rel, err)
	}
}

func (ds *Dataset) writeFloat(path string, rows, cols int) {
	ds.t.Helper()

	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	if err := matrix.WriteFile(path, &matrix.Matrix[float32]{Rows: rows, Cols: cols, Data: data}); err != nil {
		ds.t.Fatalf("write %s: %v", path, err)
	}
}

func (ds *Dataset) open() *sql.DB {
	ds.t.Helper()

	conn, err := sql.Open("sqlite", ds.DBPath)
	if err != nil {
		ds.t.Fatalf("open %s: %v", ds.DBPath, err)
	}
	return conn
}

func (ds *Dataset) execSQL(query string, args ...any) {
	ds.t.Helper()

	conn := ds.open()
	defer conn.Close()

	if _, err := conn.Exec(query, args...); err != nil {
		ds.t.Fatalf("exec %q: %v", query, err)
	}
}
