// Package db reads and populates the SQLite database owned by the
// reconstruction engine. The schema belongs to the engine; this package only
// probes it and writes into the feature and match tables.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/abdul-hamid-achik/sfmimport/internal/matrix"
)

// requiredTables must exist in every supported schema variant.
var requiredTables = []string{"images", "keypoints", "descriptors", "matches"}

// ErrUnknownSchema is returned when the database does not look like an
// engine database.
var ErrUnknownSchema = errors.New("unrecognized engine database schema")

// DB wraps the engine database connection.
type DB struct {
	*sql.DB
	path     string
	geometry GeometryStore
}

// Open opens the existing engine database at path and probes its schema.
// It never creates the file.
func Open(ctx context.Context, path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps pragmas in effect and serializes all writes.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}

	schema, err := db.DetectSchema(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	db.geometry, err = newGeometryStore(schema)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// DetectSchema inspects sqlite_master and reports which geometry table the
// database uses. A database carrying inlier_matches is treated as legacy even
// if two_view_geometries also exists.
func (db *DB) DetectSchema(ctx context.Context) (Schema, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("scan table name: %w", err)
		}
		tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate tables: %w", err)
	}

	var missing []string
	for _, name := range requiredTables {
		if !tables[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing tables %s", ErrUnknownSchema, strings.Join(missing, ", "))
	}

	switch {
	case tables[string(SchemaInlierMatches)]:
		return SchemaInlierMatches, nil
	case tables[string(SchemaTwoViewGeometries)]:
		return SchemaTwoViewGeometries, nil
	default:
		return "", fmt.Errorf("%w: no %s or %s table", ErrUnknownSchema, SchemaTwoViewGeometries, SchemaInlierMatches)
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Schema returns the variant selected when the database was opened.
func (db *DB) Schema() Schema {
	return db.geometry.Schema()
}

// ClearFeatures deletes all keypoint, descriptor, match and geometry rows in a
// single transaction. It assumes no other writer is active.
func (db *DB) ClearFeatures(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"keypoints", "descriptors", "matches"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		return db.geometry.Clear(ctx, tx)
	})
}

// ImageIDs returns the image name to image id map.
func (db *DB) ImageIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, image_id FROM images")
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	images := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}

	return images, nil
}

// InsertKeypoints stores the keypoint matrix of one image and commits.
func (db *DB) InsertKeypoints(ctx context.Context, imageID int64, keypoints *matrix.Matrix[float32]) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO keypoints(image_id, rows, cols, data) VALUES (?, ?, ?, ?)",
			imageID, keypoints.Rows, keypoints.Cols, keypoints.Payload(),
		)
		if err != nil {
			return fmt.Errorf("insert keypoints for image %d: %w", imageID, err)
		}
		return nil
	})
}

// InsertMatches stores the match matrix of one image pair and commits.
func (db *DB) InsertMatches(ctx context.Context, pairID int64, matches *matrix.Matrix[uint32]) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO matches(pair_id, rows, cols, data) VALUES (?, ?, ?, ?)",
			pairID, matches.Rows, matches.Cols, matches.Payload(),
		)
		if err != nil {
			return fmt.Errorf("insert matches for pair %d: %w", pairID, err)
		}
		return nil
	})
}

// Keypoints reads back the keypoint matrix stored for an image.
func (db *DB) Keypoints(ctx context.Context, imageID int64) (*matrix.Matrix[float32], error) {
	var rows, cols int
	var data []byte
	err := db.QueryRowContext(ctx,
		"SELECT rows, cols, data FROM keypoints WHERE image_id = ?", imageID,
	).Scan(&rows, &cols, &data)
	if err != nil {
		return nil, fmt.Errorf("get keypoints for image %d: %w", imageID, err)
	}
	return matrix.FromPayload[float32](rows, cols, data)
}

// Matches reads back the match matrix stored for a pair.
func (db *DB) Matches(ctx context.Context, pairID int64) (*matrix.Matrix[uint32], error) {
	var rows, cols int
	var data []byte
	err := db.QueryRowContext(ctx,
		"SELECT rows, cols, data FROM matches WHERE pair_id = ?", pairID,
	).Scan(&rows, &cols, &data)
	if err != nil {
		return nil, fmt.Errorf("get matches for pair %d: %w", pairID, err)
	}
	return matrix.FromPayload[uint32](rows, cols, data)
}

// MatchPairIDs returns the pair ids of all stored match rows in ascending order.
func (db *DB) MatchPairIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT pair_id FROM matches ORDER BY pair_id")
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pair id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats summarizes the database contents.
type Stats struct {
	Schema Schema `json:"schema"`
	// Images is the number of rows in the images table.
	Images int64 `json:"images"`
	// Keypoints and Matches count the rows written by the importer.
	Keypoints int64 `json:"keypoints"`
	Matches   int64 `json:"matches"`
	// VerifiedPairs and VerifiedMatches are populated by the engine's own
	// matches import and stay zero until it has run.
	VerifiedPairs   int64 `json:"verified_pairs"`
	VerifiedMatches int64 `json:"verified_matches"`
}

// Stats returns database statistics.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Schema: db.Schema()}

	counts := []struct {
		dst   *int64
		query string
	}{
		{&stats.Images, "SELECT COUNT(*) FROM images"},
		{&stats.Keypoints, "SELECT COUNT(*) FROM keypoints"},
		{&stats.Matches, "SELECT COUNT(*) FROM matches"},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats %q: %w", c.query, err)
		}
	}

	var err error
	stats.VerifiedPairs, stats.VerifiedMatches, err = db.geometry.Verified(ctx, db.DB)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// withTx runs fn in a transaction and commits it, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
