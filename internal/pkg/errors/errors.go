package errors

import "errors"

// ErrNotFound is the sentinel behind spec §7's NotFound(kind, handle):
// an evaluation, job, log, or build row not present in the database.
var ErrNotFound = errors.New("not found")
