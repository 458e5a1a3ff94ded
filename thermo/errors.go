package thermo

import "errors"

// Input errors: surfaced immediately, nothing is computed.
var (
	ErrEmptyHeader   = errors.New("empty header")
	ErrMissingColumn = errors.New("missing required column")
)

// Data-quality errors: the affected unit (baseline, device, run) is skipped
// and reported, siblings continue.
var (
	ErrNoStageCells  = errors.New("no detected cells for stage")
	ErrGridMismatch  = errors.New("grid dimensions disagree across baselines")
	ErrInvalidTarget = errors.New("stage target must be > 0")
	ErrNoBaselines   = errors.New("no usable baselines")
)
