package models

import "errors"

var (
	// ErrPrecondition reports a caller or configuration error: out-of-order
	// hull levels, a curve too short for the requested indices, mismatched
	// dimensionality. It is fatal to the call and, in a batch, to the run.
	ErrPrecondition = errors.New("precondition violated")

	// ErrNotFound reports an expected absence, such as a frame with no
	// qualifying voxels or a landmark that was never recorded. Batches skip
	// the affected frame and continue.
	ErrNotFound = errors.New("not found")
)
