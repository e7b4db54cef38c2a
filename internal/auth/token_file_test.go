package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

func TestToken_MissingFile(t *testing.T) {
	s := NewFileTokenSource(filepath.Join(t.TempDir(), "token.json"))

	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, remote.ErrNoSession)
}

func TestSaveAndToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	s := NewFileTokenSource(path)

	require.NoError(t, s.Save(&models.Credential{UserID: "me", AccessToken: "secret"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	token, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", token)

	cred, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "me", cred.UserID)
}

func TestToken_Expired(t *testing.T) {
	s := NewFileTokenSource(filepath.Join(t.TempDir(), "token.json"))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(&models.Credential{AccessToken: "old", ExpiresAt: now.Add(-time.Minute).Unix()}))
	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, remote.ErrNoSession)

	require.NoError(t, s.Save(&models.Credential{AccessToken: "fresh", ExpiresAt: now.Add(time.Hour).Unix()}))
	token, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
}

func TestToken_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewFileTokenSource(path).Token(context.Background())
	assert.ErrorIs(t, err, remote.ErrNoSession)
}

func TestSave_RequiresToken(t *testing.T) {
	s := NewFileTokenSource(filepath.Join(t.TempDir(), "token.json"))
	assert.Error(t, s.Save(nil))
	assert.Error(t, s.Save(&models.Credential{UserID: "me"}))
}

func TestClear(t *testing.T) {
	s := NewFileTokenSource(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, s.Save(&models.Credential{AccessToken: "secret"}))

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())

	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, remote.ErrNoSession)
}
