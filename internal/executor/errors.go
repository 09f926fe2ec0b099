package executor

import "errors"

// ErrMissingField is returned when a task's args lack a required field
var ErrMissingField = errors.New("missing required field")
