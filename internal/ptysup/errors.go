package ptysup

import "errors"

var (
	errInvalidArgv = errors.New("ptysup: argv must have at least one element")
	errNoProcess   = errors.New("ptysup: no process")
)
