package planstore

import "errors"

// ErrPlanNotFound is returned when the plan file does not exist yet. Callers
// use errors.Is to distinguish this from parse failures on an existing file.
var ErrPlanNotFound = errors.New("plan not found")

// ErrCheckpointNotFound is returned by mutations and lookups referencing an
// id that is not in the plan. Mutating a nonexistent id always surfaces this,
// never a silent no-op.
var ErrCheckpointNotFound = errors.New("checkpoint not found")
