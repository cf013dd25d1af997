package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// ComputeDigest hashes the contents of several files, in order, into one
// BLAKE3 digest. A change to any file changes the digest.
func ComputeDigest(paths ...string) (string, error) {
	h := blake3.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", p, err)
		}
		sum := blake3.Sum256(data)
		// Hash per-file digests so file boundaries are unambiguous.
		if _, err := h.Write(sum[:]); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", p, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
