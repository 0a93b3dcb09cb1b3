package storage

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNoAPIKey is returned when no broker credential exists for a user.
var ErrNoAPIKey = errors.New("no api key found for user")
