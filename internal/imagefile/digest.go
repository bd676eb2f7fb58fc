package imagefile

import (
	"fmt"
	"hash"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
)

// Digest names the hash that seals an image.
type Digest uint8

const (
	DigestXXHash Digest = iota + 1
	DigestSHA256
	DigestBLAKE3
)

func ParseDigest(s string) (Digest, error) {
	switch s {
	case "xxhash":
		return DigestXXHash, nil
	case "sha256":
		return DigestSHA256, nil
	case "blake3":
		return DigestBLAKE3, nil
	}
	return 0, fmt.Errorf("digest %q: %w", s, ErrUnknownAlgo)
}

func (d Digest) String() string {
	switch d {
	case DigestXXHash:
		return "xxhash"
	case DigestSHA256:
		return "sha256"
	case DigestBLAKE3:
		return "blake3"
	}
	return fmt.Sprintf("digest(%d)", uint8(d))
}

// Size is the length of the trailer, 0 for unknown digests.
func (d Digest) Size() int {
	switch d {
	case DigestXXHash:
		return 8
	case DigestSHA256, DigestBLAKE3:
		return 32
	}
	return 0
}

func (d Digest) New() (hash.Hash, error) {
	switch d {
	case DigestXXHash:
		return xxhash.New(), nil
	case DigestSHA256:
		return sha256.New(), nil
	case DigestBLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("%s: %w", d, ErrUnknownAlgo)
}
