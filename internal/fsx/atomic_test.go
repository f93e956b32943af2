package fsx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/phargogh/invest/internal/fsx"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	err := fsx.WriteFileAtomic(path, []byte(`[]`), 0644)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `[]`, string(got))

	// overwrite replaces the whole document
	err = fsx.WriteFileAtomic(path, []byte(`[{"navID":"x"}]`), 0644)
	require.NoError(t, err)
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `[{"navID":"x"}]`, string(got))

	// no temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "jobs.json", entries[0].Name())
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	t.Parallel()
	err := fsx.WriteFileAtomic(filepath.Join(t.TempDir(), "nope", "jobs.json"), []byte(`[]`), 0644)
	require.Error(t, err)
}
