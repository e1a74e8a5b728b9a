package atomicfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWriteCreatesParentAndRenames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, Write(path, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, []string{"out.bin"}, listDir(t, dir))
}

func TestWriteKeepsTargetOnEncodeError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	boom := errors.New("encoder failed")
	err := Write(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
	assert.Equal(t, []string{"out.bin"}, listDir(t, dir))
}

func TestWriteRejectsEmptyPath(t *testing.T) {
	assert.Error(t, Write("", func(io.Writer) error { return nil }))
}
