package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyDirRecursesIntoSubdirectories(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "plugin.ini"), []byte("name=x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "data.bin"), []byte("payload"), 0o644))

	dst := filepath.Join(t.TempDir(), "copied")
	require.NoError(t, copyDir(src, dst))

	assert.FileExists(t, filepath.Join(dst, "plugin.ini"))
	data, err := os.ReadFile(filepath.Join(dst, "nested", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestCopyFilePreservesContent(t *testing.T) {
	src := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))

	dst := filepath.Join(t.TempDir(), "dest.txt")
	require.NoError(t, copyFile(src, dst, 0o644))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLoaderLoadMetadataDelegatesToManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "name=sample\nversion=1.0.0\nmain=NewSample\n")

	loader, err := NewLoader(t.TempDir(), NewExtensionManager())
	require.NoError(t, err)

	meta, err := loader.LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "sample", meta.Name)
}

func TestLoaderLoadPluginFailsCleanlyWithoutEntry(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "name=sample\nversion=1.0.0\nmain=NewSample\n")

	loader, err := NewLoader(t.TempDir(), NewExtensionManager())
	require.NoError(t, err)

	meta, err := loader.LoadMetadata(dir)
	require.NoError(t, err)

	_, err = loader.LoadPlugin(dir, meta)
	assert.Error(t, err, "a bundle with no .so entry must fail to load, not panic")
}

func TestLoaderCleanupAllRemovesStagingDirectory(t *testing.T) {
	stageDir := filepath.Join(t.TempDir(), "stage")
	loader, err := NewLoader(stageDir, NewExtensionManager())
	require.NoError(t, err)

	assert.DirExists(t, stageDir)
	loader.CleanupAll()
	assert.DirExists(t, stageDir, "CleanupAll re-creates the staging directory after clearing it")
}

func TestLoaderTempStatsOnEmptyStage(t *testing.T) {
	loader, err := NewLoader(t.TempDir(), NewExtensionManager())
	require.NoError(t, err)

	count, bytes, _ := loader.TempStats()
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(0), bytes)
}
