// Package fingerprint provides deterministic content hashing for cache-key
// derivation and artifact integrity verification.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const chunkSize = 4096

// HashFile streams path in fixed-size chunks and returns its hex-encoded
// SHA-256 digest. Mirrors the chunked-read shape of the original
// data_fetch_robust.py cache hasher, which avoids loading large downloaded
// artifacts fully into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash file: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CacheKey joins source with the colon-separated string form of params and
// returns an MD5 digest: a short, filesystem-safe key, not a security
// primitive (mirrors the teacher's generateCacheKey in spirit, but keyed on
// source identity rather than a full task-definition hash, per spec §4.1).
func CacheKey(source string, params ...any) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, source)
	for _, p := range params {
		parts = append(parts, fmt.Sprintf("%v", p))
	}
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
