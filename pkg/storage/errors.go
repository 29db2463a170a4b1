package storage

import "errors"

// ErrNotFound is returned by Get-style methods when the row does not
// exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateID is returned by InsertGame when AppID already exists.
var ErrDuplicateID = errors.New("storage: duplicate app id")
