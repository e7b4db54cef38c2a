package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/kimhsiao/matchbook/core/internal/logging"
)

// Fit shrinks a stored image so neither side exceeds maxSide and returns the
// path of the result. Images already small enough, and files the decoder
// does not understand, are returned unchanged. A replaced original is
// removed from the store.
func (s *AvatarStore) Fit(path string, maxSide int) (string, error) {
	if !s.Contains(path) {
		return "", ErrOutsideStore
	}
	if _, err := imaging.FormatFromFilename(path); err != nil {
		return path, nil
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		logging.Debug("Avatar not decodable, keeping as-is", logging.Fields{"path": path, "error": err.Error()})
		return path, nil
	}
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return path, nil
	}

	tmp := filepath.Join(s.baseDir, tmpDir, "fit-"+filepath.Base(path))
	if err := imaging.Save(imaging.Fit(img, maxSide, maxSide, imaging.Lanczos), tmp); err != nil {
		return "", fmt.Errorf("failed to write resized image: %w", err)
	}
	defer os.Remove(tmp)

	resized, err := s.Import(tmp)
	if err != nil {
		return "", err
	}
	if resized != path {
		if err := s.Remove(path); err != nil {
			logging.Warn("Failed to remove original avatar", logging.Fields{"path": path, "error": err.Error()})
		}
	}
	logging.Debug("Avatar resized", logging.Fields{
		"from":   fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"max":    maxSide,
		"stored": resized,
	})
	return resized, nil
}
