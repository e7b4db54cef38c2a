// Package storage tests for the avatar store.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newTestStore(t *testing.T) *AvatarStore {
	t.Helper()
	s, err := NewAvatarStore(filepath.Join(t.TempDir(), "avatars"))
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// TestCalculateHashFromFile verifies SHA-256 hash calculation.
func TestCalculateHashFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.bin", []byte("hello"))

	hash, err := CalculateHashFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)

	_, err = CalculateHashFromFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// TestImport_Deduplicates verifies identical content is stored once.
func TestImport_Deduplicates(t *testing.T) {
	s := newTestStore(t)
	src := t.TempDir()
	a := writeFile(t, src, "a.PNG", pngHeader)
	b := writeFile(t, src, "b.png", pngHeader)

	pa, err := s.Import(a)
	require.NoError(t, err)
	pb, err := s.Import(b)
	require.NoError(t, err)

	assert.Equal(t, pa, pb)
	assert.True(t, s.Contains(pa))
	assert.True(t, strings.HasSuffix(pa, ".png"))
	assert.FileExists(t, a, "source must not be moved")

	data, err := os.ReadFile(pa)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

// TestImport_RejectsEmpty verifies empty files are refused.
func TestImport_RejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Import(writeFile(t, t.TempDir(), "empty.png", nil))
	assert.Error(t, err)

	_, err = s.Import(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

// TestTempCopy verifies temp copies live in the store and can be removed.
func TestTempCopy(t *testing.T) {
	s := newTestStore(t)
	external := writeFile(t, t.TempDir(), "picked.jpg", []byte("jpeg bytes"))

	tmp, err := s.TempCopy(external)
	require.NoError(t, err)
	assert.True(t, s.Contains(tmp))
	assert.Equal(t, filepath.Join(s.Dir(), "tmp"), filepath.Dir(tmp))

	require.NoError(t, s.Remove(tmp))
	assert.False(t, s.Exists(tmp))
	assert.DirExists(t, filepath.Join(s.Dir(), "tmp"))
	assert.FileExists(t, external)
}

// TestContains verifies path containment checks.
func TestContains(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"inside", filepath.Join(s.Dir(), "ab", "x.png"), true},
		{"root itself", s.Dir(), false},
		{"parent", filepath.Dir(s.Dir()), false},
		{"traversal", filepath.Join(s.Dir(), "..", "other.png"), false},
		{"sibling with prefix", s.Dir() + "-evil/x.png", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Contains(tt.path))
		})
	}
}

// TestRemove_Guarded verifies files outside the store are never deleted.
func TestRemove_Guarded(t *testing.T) {
	s := newTestStore(t)
	outside := writeFile(t, t.TempDir(), "keep.png", pngHeader)

	assert.ErrorIs(t, s.Remove(outside), ErrOutsideStore)
	assert.FileExists(t, outside)

	// Removing a missing file inside the store is fine.
	assert.NoError(t, s.Remove(filepath.Join(s.Dir(), "ab", "gone.png")))
}

// TestRemove_PrunesPrefixDir verifies the empty prefix directory goes too.
func TestRemove_PrunesPrefixDir(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Import(writeFile(t, t.TempDir(), "a.png", pngHeader))
	require.NoError(t, err)

	require.NoError(t, s.Remove(path))
	assert.NoDirExists(t, filepath.Dir(path))
	assert.DirExists(t, s.Dir())
}

// TestMimeType verifies content sniffing.
func TestMimeType(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "image/png", MimeType(writeFile(t, dir, "noext", pngHeader)))
	assert.Equal(t, "application/octet-stream", MimeType(filepath.Join(dir, "missing")))
}
