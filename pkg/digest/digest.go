// Package digest turns ordered byte sequences into stable digests.
//
// Parts passed to [Sum] are hashed as their in-order concatenation, so
// Sum(a, b) and Sum(b, a) differ while Sum(a, b) equals Sum(a+b). Callers that
// need unambiguous framing must add separators themselves.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/zeebo/blake3"
)

// Algorithm selects the hash function.
type Algorithm uint8

const (
	// SHA512 is the default for general hashing.
	SHA512 Algorithm = iota
	// SHA256 is used for cache keys.
	SHA256
	// BLAKE3 is a faster cryptographic alternative for cache keys.
	BLAKE3
	// Highway64 is a fast non-cryptographic 64-bit hash. Only suitable for
	// disambiguation (temp file names), never for content addressing.
	Highway64
)

// Encoding selects how the raw digest is rendered.
type Encoding uint8

const (
	// Hex renders lowercase hexadecimal. This is the default.
	Hex Encoding = iota
	// Base64 renders standard padded base64.
	Base64
	// Binary returns the raw digest bytes as a string.
	Binary
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown [Algorithm] values.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	// ErrUnsupportedEncoding is returned for unknown [Encoding] values.
	ErrUnsupportedEncoding = errors.New("unsupported digest encoding")
)

// highwayKey is fixed so Highway64 digests are stable across processes.
var highwayKey = []byte("gonyc.digest.highway64.key......")

// String returns the config name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case SHA512:
		return "sha512"
	case SHA256:
		return "sha256"
	case BLAKE3:
		return "blake3"
	case Highway64:
		return "highway64"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// ParseAlgorithm parses a config name. Matching is case-insensitive and
// accepts the dashed forms "sha-256" and "sha-512".
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "sha512":
		return SHA512, nil
	case "sha256":
		return SHA256, nil
	case "blake3":
		return BLAKE3, nil
	case "highway64", "highwayhash":
		return Highway64, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// New returns a fresh hash.Hash for the algorithm.
func New(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case SHA512:
		return sha512.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	case Highway64:
		h, err := highwayhash.New64(highwayKey)
		if err != nil {
			return nil, fmt.Errorf("highwayhash: %w", err)
		}

		return h, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Sum digests the in-order concatenation of parts.
func Sum(algorithm Algorithm, encoding Encoding, parts ...[]byte) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}

	for _, part := range parts {
		// hash.Hash.Write never returns an error.
		_, _ = h.Write(part)
	}

	return Encode(h.Sum(nil), encoding)
}

// SumStrings is [Sum] for string parts.
func SumStrings(algorithm Algorithm, encoding Encoding, parts ...string) (string, error) {
	bufs := make([][]byte, len(parts))
	for i, part := range parts {
		bufs[i] = []byte(part)
	}

	return Sum(algorithm, encoding, bufs...)
}

// Encode renders a raw digest.
func Encode(sum []byte, encoding Encoding) (string, error) {
	switch encoding {
	case Hex:
		return hex.EncodeToString(sum), nil
	case Base64:
		return base64.StdEncoding.EncodeToString(sum), nil
	case Binary:
		return string(sum), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedEncoding, encoding)
	}
}
