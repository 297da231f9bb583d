package infra

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/EstebanKZL/WineProtonManager-sub000/internal/domain"
)

// fileDigest hashes the file at path with h and returns the hex digest.
func fileDigest(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the file's digest against expected. The algorithm
// follows the digest length: 64 hex chars is SHA-256, 128 is SHA-512.
func VerifyChecksum(path, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))

	var h hash.Hash
	switch len(expected) {
	case sha256.Size * 2:
		h = sha256.New()
	case sha512.Size * 2:
		h = sha512.New()
	default:
		return fmt.Errorf("unsupported digest %q: want a hex SHA-256 or SHA-512", expected)
	}

	actual, err := fileDigest(path, h)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if actual != expected {
		return fmt.Errorf("%s: %w: expected %s, got %s", filepath.Base(path), domain.ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// ParseChecksumList finds the digest for fileName in sha256sum/sha512sum
// output ("<hex>  <name>" per line, with an optional '*' binary marker).
// A single bare digest with no name is accepted as well.
func ParseChecksumList(data []byte, fileName string) (string, bool) {
	var lone string
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		lines++
		if len(fields) == 1 {
			lone = fields[0]
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		if filepath.Base(name) == fileName {
			return strings.ToLower(fields[0]), true
		}
	}
	if lines == 1 && lone != "" {
		return strings.ToLower(lone), true
	}
	return "", false
}
