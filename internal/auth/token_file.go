// Package auth stores the signed-in session as a JSON token file.
//
// The file is read on every request, so signing in or out from another
// process takes effect on the next call. A missing file means signed out.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// FileTokenSource implements remote.TokenSource on top of a token file.
type FileTokenSource struct {
	path string
	now  func() time.Time
}

var _ remote.TokenSource = (*FileTokenSource)(nil)

// NewFileTokenSource creates a source reading path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path, now: time.Now}
}

// Path returns the token file location.
func (s *FileTokenSource) Path() string {
	return s.path
}

// Token returns the access token, or remote.ErrNoSession when there is no
// usable credential.
func (s *FileTokenSource) Token(ctx context.Context) (string, error) {
	cred, err := s.Load()
	if err != nil {
		return "", err
	}
	if !cred.Valid(s.now()) {
		return "", remote.ErrNoSession
	}
	return cred.AccessToken, nil
}

// Load reads the stored credential. A missing file yields
// remote.ErrNoSession.
func (s *FileTokenSource) Load() (*models.Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, remote.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		logging.Warn("Token file is corrupt, treating as signed out", logging.Fields{"path": s.path})
		return nil, remote.ErrNoSession
	}
	return &cred, nil
}

// Save writes the credential atomically with owner-only permissions.
func (s *FileTokenSource) Save(cred *models.Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return errors.New("access token is required")
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to move token into place: %w", err)
	}

	logging.Info("Session saved", logging.Fields{"user_id": cred.UserID})
	return nil
}

// Clear signs out. Clearing when already signed out is not an error.
func (s *FileTokenSource) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
