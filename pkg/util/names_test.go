package util

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefix(t *testing.T) {
	cases := map[string]string{
		"/srv/caption/clip.mp4":    "clip",
		"/srv/caption/take.tar.gz": "take",
		"noext":                    "noext",
		"/srv/x/.env.local":        ".env",
		"/srv/x/.hidden":           ".hidden",
	}
	for in, want := range cases {
		got, err := Prefix(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Prefix("/")
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	name, err := FileName("/srv/caption/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", name)

	_, err = FileName("..")
	assert.Error(t, err)
}

func TestOwner_CurrentUser(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	owner, err := Owner(path)
	require.NoError(t, err)
	assert.Equal(t, me.Username, owner)

	_, err = Owner(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLookupIDs_Empty(t *testing.T) {
	uid, gid, err := LookupIDs("", "")
	require.NoError(t, err)
	assert.Equal(t, -1, uid)
	assert.Equal(t, -1, gid)
}
