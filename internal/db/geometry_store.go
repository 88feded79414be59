package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema identifies which verified-geometry table the engine database uses.
type Schema string

const (
	// SchemaTwoViewGeometries is the current layout with a two_view_geometries table.
	SchemaTwoViewGeometries Schema = "two_view_geometries"
	// SchemaInlierMatches is the legacy layout with an inlier_matches table.
	SchemaInlierMatches Schema = "inlier_matches"
)

// GeometryStore is the storage strategy for the schema-dependent geometry
// table. One is selected per database from the probe result and never
// changes afterwards.
type GeometryStore interface {
	// Clear removes every geometry row inside tx.
	Clear(ctx context.Context, tx *sql.Tx) error

	// Verified returns the number of pairs with at least one verified
	// correspondence and the total number of those correspondences.
	Verified(ctx context.Context, q queryer) (pairs, matches int64, err error)

	// Table returns the backing table name.
	Table() string

	// Schema returns the variant this store serves.
	Schema() Schema
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// newGeometryStore returns the store for schema.
func newGeometryStore(schema Schema) (GeometryStore, error) {
	switch schema {
	case SchemaTwoViewGeometries, SchemaInlierMatches:
		// Both variants key rows by pair_id and record the verified
		// correspondence count in rows; only the table differs.
		return tableStore{schema: schema}, nil
	default:
		return nil, fmt.Errorf("unknown geometry schema: %q", schema)
	}
}

// tableStore serves one geometry table. two_view_geometries also holds the
// estimated two-view geometry; legacy inlier_matches holds only the inlier
// correspondences of each pair.
type tableStore struct {
	schema Schema
}

func (s tableStore) Clear(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.Table()); err != nil {
		return fmt.Errorf("delete %s: %w", s.Table(), err)
	}
	return nil
}

func (s tableStore) Verified(ctx context.Context, q queryer) (int64, int64, error) {
	var pairs, matches int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(rows), 0)
		FROM `+s.Table()+`
		WHERE rows > 0
	`).Scan(&pairs, &matches)
	if err != nil {
		return 0, 0, fmt.Errorf("count %s: %w", s.Table(), err)
	}
	return pairs, matches, nil
}

func (s tableStore) Table() string  { return string(s.schema) }
func (s tableStore) Schema() Schema { return s.schema }
