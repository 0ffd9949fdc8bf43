package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "notes.txt", ".hidden.jpg", "c.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub.jpg", "deep.jpg"), []byte("x"), 0644))

	files, err := ListImageFiles(dir, []string{"jpg", ".png"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.JPG")}, files)

	_, err = ListImageFiles(filepath.Join(dir, "missing"), []string{"jpg"})
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "IMG_0001_SM.jpg"), OutputPath("out", "IMG_0001", "_SM", "jpeg"))
	assert.Equal(t, filepath.Join("out", "x_XL.webp"), OutputPath("out", "x", "_XL", "WEBP"))
	assert.Equal(t, "photo.v2", Stem("/a/b/photo.v2.png"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jpg")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should remain")

	err = WriteFileAtomic(filepath.Join(dir, "missing", "out.jpg"), []byte("x"), 0644)
	assert.Error(t, err)
}

func TestRemoveStaleTemps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TempPrefix+"a_SM.jpg-123"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_SM.jpg"), nil, 0644))

	n, err := RemoveStaleTemps(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, FileExists(filepath.Join(dir, "a_SM.jpg")))
	assert.False(t, FileExists(filepath.Join(dir, TempPrefix+"a_SM.jpg-123")))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "_SM", SanitizeFilename("_SM"))
	assert.Equal(t, "a_b", SanitizeFilename("a/b"))
	assert.Equal(t, "x", SanitizeFilename(" .x. "))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "1.5 KB", FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", FormatFileSize(2*1024*1024))
}

func TestDirAndFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, DirExists(dir))
	assert.False(t, FileExists(dir))

	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, EnsureDir(sub))
	assert.True(t, DirExists(sub))
}
