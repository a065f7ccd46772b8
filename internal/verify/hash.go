package verify

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Algorithm names the hash detected from an expected digest.
type Algorithm string

const (
	AlgoMD5     Algorithm = "md5"
	AlgoSHA1    Algorithm = "sha1"
	AlgoSHA256  Algorithm = "sha256"
	AlgoSHA512  Algorithm = "sha512"
	AlgoUnknown Algorithm = "unknown"
)

// DetectAlgorithm infers the hash algorithm from the hex length of the
// expected digest, so mixed manifests verify with the right function.
func DetectAlgorithm(expectedHex string) Algorithm {
	switch len(strings.TrimSpace(expectedHex)) {
	case 32:
		return AlgoMD5
	case 40:
		return AlgoSHA1
	case 64:
		return AlgoSHA256
	case 128:
		return AlgoSHA512
	default:
		return AlgoUnknown
	}
}

func newHasher(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case AlgoMD5:
		return md5.New(), nil
	case AlgoSHA1:
		return sha1.New(), nil
	case AlgoSHA256:
		return sha256.New(), nil
	case AlgoSHA512:
		return sha512.New(), nil
	default:
		return nil, errors.Errorf("no hasher for algorithm %q", algo)
	}
}

// HashReader computes the hex digest of r with the given algorithm.
func HashReader(r io.Reader, algo Algorithm) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "read data for hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile streams path through the algorithm matching expectedHex and
// returns the computed digest.
func HashFile(path, expectedHex string) (string, error) {
	algo := DetectAlgorithm(expectedHex)
	if algo == AlgoUnknown {
		return "", errors.Errorf("cannot detect hash algorithm from %d hex chars", len(expectedHex))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s for hashing", path)
	}
	defer f.Close()
	return HashReader(f, algo)
}

// Matches compares two hex digests case-insensitively.
func Matches(expected, calculated string) bool {
	return expected != "" && strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(calculated))
}
