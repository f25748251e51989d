// Package hasher computes the content digests used to diff directory
// listings between nodes.
package hasher

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// AlgorithmMD5 is the default digest; its hex form is 32 characters.
	AlgorithmMD5 = "md5"
	// AlgorithmBLAKE2b selects BLAKE2b-256; its hex form is 64 characters.
	AlgorithmBLAKE2b = "blake2b"
	// UnknownDigest is returned for unreadable files. It is not valid hex, so
	// it never equals a real digest.
	UnknownDigest = "unknown"
)

// Hasher produces lowercase hex digests with a fixed algorithm.
type Hasher struct {
	algorithm string
}

// New returns a Hasher for algorithm. Unknown names fall back to MD5.
func New(algorithm string) Hasher {
	return Hasher{algorithm: NormalizeAlgorithm(algorithm)}
}

// NormalizeAlgorithm maps user input to a supported algorithm name.
func NormalizeAlgorithm(algorithm string) string {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case AlgorithmBLAKE2b, "blake2b-256", "blake2":
		return AlgorithmBLAKE2b
	default:
		return AlgorithmMD5
	}
}

// Algorithm returns the digest algorithm name.
func (h Hasher) Algorithm() string {
	if h.algorithm == "" {
		return AlgorithmMD5
	}
	return h.algorithm
}

func (h Hasher) newHash() hash.Hash {
	if h.Algorithm() == AlgorithmBLAKE2b {
		// A nil key never fails.
		d, _ := blake2b.New256(nil)
		return d
	}
	return md5.New()
}

// Bytes returns the digest of buf.
func (h Hasher) Bytes(buf []byte) string {
	d := h.newHash()
	_, _ = d.Write(buf)
	return hex.EncodeToString(d.Sum(nil))
}

// File returns the digest of the file at path, or UnknownDigest when the
// file cannot be read.
func (h Hasher) File(path string) string {
	digest, err := h.Reader(path)
	if err != nil {
		return UnknownDigest
	}
	return digest
}

// Reader hashes the file at path and reports read failures.
func (h Hasher) Reader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	d := h.newHash()
	if _, err := io.Copy(d, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// DigestLength is the hex length of digests produced by h.
func (h Hasher) DigestLength() int {
	return h.newHash().Size() * 2
}
