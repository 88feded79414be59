package importer

import (
	"errors"
	"fmt"
)

// ErrPairName is returned for a match file whose name does not split into
// exactly two image names.
var ErrPairName = errors.New("match filename is not <name1><sep><name2>")

// ShapeError reports a matrix whose dimensions break the import contract:
// keypoints must have 4 columns and as many rows as the descriptors, matches
// must have 2 columns.
type ShapeError struct {
	Path   string
	Rows   int
	Cols   int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("bad shape %dx%d in %s: %s", e.Rows, e.Cols, e.Path, e.Reason)
}

// LookupError reports a match file naming an image absent from the database.
type LookupError struct {
	File string
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("match file %s: image %q not in database", e.File, e.Name)
}
