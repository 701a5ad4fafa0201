// Package cmnerr holds the internal sentinel errors shared across distfs
// components. None of these cross the wire: every client-visible failure is
// one of the fixed protocol tokens in the controller/store packages.
package cmnerr

import "errors"

var (
	// ErrNotEnoughStores mirrors ERROR_NOT_ENOUGH_DSTORES.
	ErrNotEnoughStores = errors.New("not enough stores")
	// ErrFileExists mirrors ERROR_FILE_ALREADY_EXISTS.
	ErrFileExists = errors.New("file already exists")
	// ErrFileNotFound mirrors ERROR_FILE_DOES_NOT_EXIST.
	ErrFileNotFound = errors.New("file does not exist")
	// ErrLoad mirrors ERROR_LOAD (RELOAD exhaustion).
	ErrLoad = errors.New("no replica available to load from")
)
