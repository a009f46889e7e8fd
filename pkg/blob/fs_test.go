package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGet(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("KEYS/abc123/private", []byte("secret")))
	data, err := s.Get("KEYS/abc123/private")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)

	_, err = s.Get("KEYS/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSOverwriteKeepsOneVersion(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("p1/file.csv", []byte("v1")))
	require.NoError(t, s.Put("p1/file.csv", []byte("v2")))

	data, err := s.Get("p1/file.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	versions, err := s.ListVersions("p1/")
	require.NoError(t, err)
	assert.Len(t, versions, 1, "filesystem store is single-version")
}

func TestFSPrefixWipe(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("study1/patient1/accel/1.csv", []byte("a")))
	require.NoError(t, s.Put("study1/patient1/gps/2.csv", []byte("b")))
	require.NoError(t, s.Put("study1/patient2/accel/3.csv", []byte("c")))

	versions, err := s.ListVersions("study1/patient1/")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.NoError(t, s.DeleteManyVersioned(versions))

	remaining, err := s.ListVersions("study1/patient1/")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	keys, err := s.List("study1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"study1/patient2/accel/3.csv"}, keys)
}
