package backend

import (
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/dshills/tagindex/pkg/types"
)

// ReadVerified reads an item's bytes and checks they still hash to its
// digest. A file that changed since hashing, disappeared, or is not UTF-8
// text fails with *types.PermanentItemError; the next refresh picks up its
// new state.
func ReadVerified(item types.PathAndDigest) ([]byte, error) {
	content, err := os.ReadFile(item.AbsPath)
	if err != nil {
		return nil, ItemError(item, fmt.Errorf("read: %w", err))
	}
	if types.ComputeDigest(content) != item.Digest {
		return nil, ItemError(item, errors.New("content changed after hashing"))
	}
	if !utf8.Valid(content) {
		return nil, ItemError(item, errors.New("not valid UTF-8"))
	}
	return content, nil
}

// ItemError wraps err as a permanent failure of item
func ItemError(item types.PathAndDigest, err error) error {
	return &types.PermanentItemError{Path: item.Path, Digest: item.Digest, Err: err}
}
