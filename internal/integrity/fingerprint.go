package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrNoFingerprintSource = errors.New("no fingerprint source for capability")

// Fingerprinter computes the live code hash of a capability.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, capabilityID string) (string, error)
}

// PathFingerprinter hashes the file or directory registered for each
// capability. Directories hash every regular file in lexical order, keyed by
// its relative path, so renames change the fingerprint too.
type PathFingerprinter struct {
	Paths map[string]string
}

func (p PathFingerprinter) Fingerprint(ctx context.Context, capabilityID string) (string, error) {
	path, ok := p.Paths[capabilityID]
	if !ok || path == "" {
		return "", ErrNoFingerprintSource
	}
	return HashPath(ctx, path)
}

// HashPath fingerprints a file or directory tree.
func HashPath(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return HashBytes(data), nil
	}
	outer := sha256.New()
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		sum, err := hashFile(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(outer, "%s\x00%s\n", filepath.ToSlash(rel), sum)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hashPrefix + hex.EncodeToString(outer.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StaticFingerprinter reports fixed hashes. Useful when fingerprints are
// computed by a build pipeline and pushed to the gateway.
type StaticFingerprinter map[string]string

func (s StaticFingerprinter) Fingerprint(_ context.Context, capabilityID string) (string, error) {
	h, ok := s[capabilityID]
	if !ok {
		return "", ErrNoFingerprintSource
	}
	return h, nil
}
