package storage

import (
	"errors"
	"regexp"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidPayloadKind is returned for an unknown payload family
	ErrInvalidPayloadKind = errors.New("invalid payload kind")
)

// corruptionPattern matches driver messages that mean the catalog can no
// longer be trusted. Both mattn/go-sqlite3 and modernc.org/sqlite render the
// SQLite result code name or its message text.
var corruptionPattern = regexp.MustCompile(`(?i)(SQLITE_CORRUPT|SQLITE_NOTADB|malformed|file is not a database|no such table|no such column)`)

// IsCorruption reports whether err indicates a damaged or incompatible database
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	return corruptionPattern.MatchString(err.Error())
}
