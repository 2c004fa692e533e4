package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestFileTokenStore_SaveLoad(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "nested", "token.json")
	store := NewFileTokenStore(tokenPath)

	token := &oauth2.Token{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(1 * time.Hour),
		TokenType:    "Bearer",
	}

	require.NoError(t, store.SaveToken(token))

	info, err := os.Stat(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := store.LoadToken()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, token.AccessToken, loaded.AccessToken)
	assert.Equal(t, token.RefreshToken, loaded.RefreshToken)
	assert.True(t, token.Expiry.Equal(loaded.Expiry))
}

func TestFileTokenStore_LoadEmpty(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "nonexistent.json"))

	token, err := store.LoadToken()

	require.NoError(t, err, "a missing file is not an error")
	assert.Nil(t, token)
}

func TestFileTokenStore_Clear(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, store.SaveToken(&oauth2.Token{AccessToken: "a"}))

	require.NoError(t, store.ClearToken())
	require.NoError(t, store.ClearToken(), "clearing twice is fine")

	token, err := store.LoadToken()
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestFileTokenStore_OverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileTokenStore(filepath.Join(dir, "token.json"))

	require.NoError(t, store.SaveToken(&oauth2.Token{AccessToken: "first"}))
	require.NoError(t, store.SaveToken(&oauth2.Token{AccessToken: "second"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token.json", entries[0].Name())

	loaded, err := store.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "second", loaded.AccessToken)
}

func TestFileTokenStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileTokenStore(path).LoadToken()

	assert.Error(t, err)
}
