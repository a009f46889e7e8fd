package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	s := NewMemory()

	require.NoError(t, s.Put("KEYS/abc123/key", []byte("secret")))
	data, err := s.Get("KEYS/abc123/key")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)

	_, err = s.Get("KEYS/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListByPrefix(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put("study1/patient1/file.csv", []byte("a")))
	require.NoError(t, s.Put("study1/patient2/file.csv", []byte("b")))
	require.NoError(t, s.Put("study2/patient1/file.csv", []byte("c")))

	keys, err := s.List("study1/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMemoryVersionedDelete(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put("p1/file.csv", []byte("v1")))
	require.NoError(t, s.Put("p1/file.csv", []byte("v2")))

	versions, err := s.ListVersions("p1/")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	require.NoError(t, s.DeleteManyVersioned(versions))

	versions, err = s.ListVersions("p1/")
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = s.Get("p1/file.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}
