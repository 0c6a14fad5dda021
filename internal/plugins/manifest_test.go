package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(body), 0o644))
}

func TestLoadMetadataFromDirValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "name=sample\nversion=1.2.3\nmain=NewSample\nauthor=demo\ndependencies=a, b ,c\n")

	meta, err := loadMetadataFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "sample", meta.Name)
	assert.Equal(t, "1.2.3", meta.Version)
	assert.Equal(t, "NewSample", meta.Main)
	assert.Equal(t, []string{"a", "b", "c"}, meta.Dependencies)
}

func TestLoadMetadataFromDirMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "version=1.0.0\nmain=NewSample\n")

	_, err := loadMetadataFromDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestLoadMetadataFromDirNoManifestNoEntry(t *testing.T) {
	dir := t.TempDir()
	_, err := loadMetadataFromDir(dir)
	require.Error(t, err)
}

func TestLoadMetadataUnreadableBundle(t *testing.T) {
	_, err := loadMetadata(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestFindPluginEntryLocatesSoFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.ini"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.so"), []byte("fake"), 0o644))

	entry, err := findPluginEntry(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sample.so"), entry)
}

func TestFindPluginEntryMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := findPluginEntry(dir)
	assert.Error(t, err)
}
