package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDirectory(t *testing.T) (*Directory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.toml")
	d, err := NewDirectory(path, zap.NewNop())
	require.NoError(t, err)
	return d, path
}

func TestGetOrCreateMintsKeyOnce(t *testing.T) {
	d, _ := newDirectory(t)

	u, err := d.GetOrCreate("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.Len(t, u.Key, 32)

	again, err := d.GetOrCreate("alice")
	require.NoError(t, err)
	assert.Equal(t, u.Key, again.Key)
}

func TestAuthenticate(t *testing.T) {
	d, _ := newDirectory(t)

	u, err := d.GetOrCreate("alice")
	require.NoError(t, err)

	got, ok := d.Authenticate(u.Key)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Name)

	_, ok = d.Authenticate("bogus-key")
	assert.False(t, ok)
}

func TestClaimProject(t *testing.T) {
	d, _ := newDirectory(t)

	_, err := d.GetOrCreate("alice")
	require.NoError(t, err)
	_, err = d.GetOrCreate("bob")
	require.NoError(t, err)

	require.NoError(t, d.ClaimProject("alice", "foo"))
	assert.True(t, d.Owns("alice", "foo"))
	assert.False(t, d.Owns("bob", "foo"))

	// Re-claiming your own project is fine.
	require.NoError(t, d.ClaimProject("alice", "foo"))

	// Someone else's is not.
	assert.ErrorIs(t, d.ClaimProject("bob", "foo"), ErrProjectTaken)
}

func TestDirectorySurvivesRestart(t *testing.T) {
	d, path := newDirectory(t)

	u, err := d.GetOrCreate("alice")
	require.NoError(t, err)
	require.NoError(t, d.ClaimProject("alice", "foo"))

	reloaded, err := NewDirectory(path, zap.NewNop())
	require.NoError(t, err)

	got, ok := reloaded.Authenticate(u.Key)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Name)
	assert.True(t, reloaded.Owns("alice", "foo"))
}

func TestDirectoryFileIsWellFormedToml(t *testing.T) {
	d, path := newDirectory(t)

	_, err := d.GetOrCreate("alice")
	require.NoError(t, err)
	require.NoError(t, d.ClaimProject("alice", "foo"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var f usersFile
	require.NoError(t, toml.Unmarshal(data, &f))
	require.Len(t, f.Users, 1)
	assert.Equal(t, "alice", f.Users[0].Name)
	assert.Equal(t, []string{"foo"}, f.Users[0].Projects)
}

func TestNewDirectoryRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o600))

	_, err := NewDirectory(path, zap.NewNop())
	assert.Error(t, err)
}
