package convo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsStableForOneSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))
}

func TestKeyDiffersAcrossSalts(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestShortSaltIsRejected(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	require.Nil(os.WriteFile(filepath.Join(tmp, "salt"), []byte{1, 2, 3}, 0o400))
	_, err := newKey("some password", tmp, "salt")
	require.ErrorContains(err, "reading salt")

	// a created salt is not writable afterwards
	_, err = newKey("some password", tmp, "fresh")
	require.Nil(err)
	info, err := os.Stat(filepath.Join(tmp, "fresh"))
	require.Nil(err)
	require.Equal(os.FileMode(0o400), info.Mode().Perm())
}
