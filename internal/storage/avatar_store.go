// Package storage keeps avatar images in a private, content-addressed
// directory.
//
// Files are stored at baseDir/{hash[0:2]}/{hash}{ext}. Transient copies of
// external files live under baseDir/tmp. Remove only ever deletes files
// inside baseDir; anything else is refused.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const tmpDir = "tmp"

// ErrOutsideStore is returned when asked to delete a file the store does
// not own.
var ErrOutsideStore = errors.New("storage: path is outside the avatar directory")

// AvatarStore manages the private avatar directory.
type AvatarStore struct {
	baseDir string
}

// NewAvatarStore creates the store, creating baseDir if needed.
func NewAvatarStore(baseDir string) (*AvatarStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve avatar directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create avatar directory: %w", err)
	}
	return &AvatarStore{baseDir: abs}, nil
}

// Dir returns the absolute store directory.
func (s *AvatarStore) Dir() string {
	return s.baseDir
}

// CalculateHashFromReader calculates the SHA-256 hash of r's content.
func CalculateHashFromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CalculateHashFromFile calculates the SHA-256 hash of a file.
func CalculateHashFromFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return CalculateHashFromReader(file)
}

// Import copies src into the store and returns the stored path. Importing
// identical content twice yields the same path.
func (s *AvatarStore) Import(src string) (string, error) {
	return s.copyIn(src, func(hash, ext string) string {
		return filepath.Join(s.baseDir, hash[0:2], hash+ext)
	})
}

// TempCopy copies an external file into the store's temp area so an upload
// never reads a file its owner may delete mid-request.
func (s *AvatarStore) TempCopy(src string) (string, error) {
	return s.copyIn(src, func(hash, ext string) string {
		return filepath.Join(s.baseDir, tmpDir, hash+ext)
	})
}

func (s *AvatarStore) copyIn(src string, dest func(hash, ext string) string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	// Buffer into a temp file inside the store while hashing, then rename.
	tmp, err := os.CreateTemp(filepath.Join(s.baseDir, tmpDir), "import-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}
	if size == 0 {
		return "", fmt.Errorf("invalid file: empty file (0 bytes)")
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	path := dest(hash, strings.ToLower(filepath.Ext(src)))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move file to storage: %w", err)
	}
	return path, nil
}

// Contains reports whether path names a file inside the store.
func (s *AvatarStore) Contains(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Remove deletes a stored file. A missing file is not an error; a path
// outside the store returns ErrOutsideStore and is left untouched.
func (s *AvatarStore) Remove(path string) error {
	if !s.Contains(path) {
		return ErrOutsideStore
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Drop the empty prefix directory, never the store root or tmp.
	dir := filepath.Dir(path)
	if dir != s.baseDir && dir != filepath.Join(s.baseDir, tmpDir) {
		os.Remove(dir) // Ignore error
	}
	return nil
}

// Exists reports whether path exists.
func (s *AvatarStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MimeType sniffs the content type of a file, falling back to
// application/octet-stream.
func MimeType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
