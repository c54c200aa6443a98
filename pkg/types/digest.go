package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DigestSize is the width of a content digest in bytes
const DigestSize = sha256.Size

// ErrInvalidDigest is returned when bytes or text cannot form a digest
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is the SHA-256 fingerprint of a file's bytes. It is the identity key
// for every shared artifact, so two files with equal bytes share one Digest no
// matter which scope or path they live under.
type Digest [DigestSize]byte

// ComputeDigest hashes content
func ComputeDigest(content []byte) Digest {
	return Digest(sha256.Sum256(content))
}

// DigestFromBytes copies a stored digest, rejecting blobs of the wrong width
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidDigest, len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest decodes the lowercase hex form produced by String
func ParseDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return DigestFromBytes(raw)
}

// String returns the lowercase hex encoding
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logs
func (d Digest) Short() string {
	return d.String()[:12]
}

// Bytes returns a copy suitable for storing as a BLOB
func (d Digest) Bytes() []byte {
	b := make([]byte, DigestSize)
	copy(b, d[:])
	return b
}

// IsZero reports whether d is the zero value
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Compare orders digests byte-wise: -1 if d < other, 0 if equal, +1 otherwise
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}
