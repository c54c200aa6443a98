package types

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// NoBranch is stored for scopes that are not inside a git work tree
const NoBranch = "NONE"

// ErrInvalidScope is returned for scopes without an absolute directory
var ErrInvalidScope = errors.New("invalid scope")

// Scope identifies an indexing context. Two scopes are fully independent
// except for the artifacts they share through equal digests.
type Scope struct {
	Directory string
	Branch    string

	// CaseInsensitive folds path keys to lower case before diffing
	CaseInsensitive bool
}

// NewScope builds a scope with a cleaned directory and a non-empty branch
func NewScope(directory, branch string) Scope {
	if branch == "" {
		branch = NoBranch
	}
	return Scope{
		Directory: filepath.Clean(directory),
		Branch:    branch,
	}
}

// Validate checks the scope can key catalog rows
func (s Scope) Validate() error {
	if s.Directory == "" || !filepath.IsAbs(s.Directory) {
		return errors.Join(ErrInvalidScope, errors.New("directory must be absolute"))
	}
	if s.Branch == "" {
		return errors.Join(ErrInvalidScope, errors.New("branch is required"))
	}
	return nil
}

// Key renders the scope as branch@directory
func (s Scope) Key() string {
	return s.Branch + "@" + s.Directory
}

func (s Scope) String() string {
	return s.Key()
}

// NormalizePath turns a scope-relative path into the key used for diffing:
// forward slashes, cleaned, and lower-cased when the scope is case-insensitive.
func (s Scope) NormalizePath(rel string) string {
	p := path.Clean(filepath.ToSlash(rel))
	p = strings.TrimPrefix(p, "./")
	if s.CaseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}
