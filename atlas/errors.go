package atlas

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a region is absent from the ontology.
	ErrNotFound = errors.New("region not found")

	// ErrUnsupportedNRRD is returned for NRRD features the reader does not handle.
	ErrUnsupportedNRRD = errors.New("unsupported nrrd")
)

// AtlasError reports a failure in the world↔voxel transform or in region
// lookup. It aborts region lookup for a cell without affecting other stages.
type AtlasError struct {
	Op  string
	Err error
}

func (e *AtlasError) Error() string {
	return fmt.Sprintf("atlas %s: %v", e.Op, e.Err)
}

func (e *AtlasError) Unwrap() error {
	return e.Err
}

// IsAtlasError reports whether err is or wraps an AtlasError.
func IsAtlasError(err error) bool {
	var ae *AtlasError
	return errors.As(err, &ae)
}
