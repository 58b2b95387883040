package store

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoLicense is returned when no license record has been cached yet.
var ErrNoLicense = errors.New("no cached license")
