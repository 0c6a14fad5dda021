package plugins

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestBundle(t *testing.T, path, name, version string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("plugin.ini")
	require.NoError(t, err)
	_, err = w.Write([]byte("name=" + name + "\nversion=" + version + "\nmain=NewPlugin\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b    string
		wantCmp int
		wantOK  bool
	}{
		{"1.2.3", "1.2.3", 0, true},
		{"1.3.0", "1.2.9", 1, true},
		{"1.2.0", "1.2.1", -1, true},
		{"2.0", "1.9.9", 1, true},
		{"1.2", "1.2.0", 0, true},
		{"1.x.0", "1.2.0", 0, false},
	}
	for _, tt := range tests {
		cmp, ok := compareVersions(tt.a, tt.b)
		assert.Equal(t, tt.wantOK, ok, "comparing %s vs %s", tt.a, tt.b)
		if tt.wantOK {
			assert.Equal(t, tt.wantCmp, cmp, "comparing %s vs %s", tt.a, tt.b)
		}
	}
}

func newTestUpdateManager(t *testing.T) (*UpdateManager, UpdateManagerConfig) {
	t.Helper()
	root := t.TempDir()
	cfg := UpdateManagerConfig{
		PluginDir:               filepath.Join(root, "plugins"),
		UpdateDir:               filepath.Join(root, "updates"),
		BackupDir:               filepath.Join(root, "backups"),
		BundleExt:               ".zip",
		CheckVersionConstraints: true,
		CreateBackups:           true,
	}
	loader, err := NewLoader(filepath.Join(root, "stage"), NewExtensionManager())
	require.NoError(t, err)
	um, err := NewUpdateManager(cfg, loader)
	require.NoError(t, err)
	return um, cfg
}

func TestUpdateManagerScanClassifiesInstall(t *testing.T) {
	um, cfg := newTestUpdateManager(t)
	writeTestBundle(t, filepath.Join(cfg.UpdateDir, "demo.zip"), "demo", "1.0.0")

	result, err := um.Scan()
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, ActionInstall, result.Candidates[0].Action)
	assert.Equal(t, "demo", result.Candidates[0].Name)
}

func TestUpdateManagerScanClassifiesUpdate(t *testing.T) {
	um, cfg := newTestUpdateManager(t)
	writeTestBundle(t, filepath.Join(cfg.PluginDir, "demo.zip"), "demo", "1.2.0")
	writeTestBundle(t, filepath.Join(cfg.UpdateDir, "demo-new.zip"), "demo", "1.3.0")

	result, err := um.Scan()
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, ActionUpdate, result.Candidates[0].Action)
	assert.Equal(t, "1.3.0", result.Candidates[0].NewVersion)
	assert.Equal(t, "1.2.0", result.Candidates[0].CurrentVersion)
}

func TestUpdateManagerScanSkipsDowngradeWhenConstraintsChecked(t *testing.T) {
	um, cfg := newTestUpdateManager(t)
	writeTestBundle(t, filepath.Join(cfg.PluginDir, "demo.zip"), "demo", "2.0.0")
	writeTestBundle(t, filepath.Join(cfg.UpdateDir, "demo-old.zip"), "demo", "1.0.0")

	result, err := um.Scan()
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
}

func TestUpdateManagerApplyBacksUpAndReplaces(t *testing.T) {
	um, cfg := newTestUpdateManager(t)
	existingPath := filepath.Join(cfg.PluginDir, "demo.zip")
	writeTestBundle(t, existingPath, "demo", "1.0.0")
	updatePath := filepath.Join(cfg.UpdateDir, "demo-new.zip")
	writeTestBundle(t, updatePath, "demo", "2.0.0")

	cand := UpdateCandidate{
		Name:           "demo",
		Action:         ActionUpdate,
		UpdateBundle:   updatePath,
		ExistingBundle: existingPath,
		NewVersion:     "2.0.0",
		CurrentVersion: "1.0.0",
	}

	results := um.Apply([]UpdateCandidate{cand})
	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.NoError(t, results[0].Err)

	meta, err := loadMetadata(existingPath)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", meta.Version)

	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpdateManagerRollbackRestoresMostRecentBackup(t *testing.T) {
	um, cfg := newTestUpdateManager(t)
	target := filepath.Join(cfg.PluginDir, "demo.zip")
	writeTestBundle(t, target, "demo", "2.0.0")

	older := filepath.Join(cfg.BackupDir, "demo-20240101-000000-backup.zip")
	writeTestBundle(t, older, "demo", "1.0.0")
	time.Sleep(10 * time.Millisecond)
	newer := filepath.Join(cfg.BackupDir, "demo-20240102-000000-backup.zip")
	writeTestBundle(t, newer, "demo", "1.5.0")

	require.NoError(t, um.Rollback("demo"))

	meta, err := loadMetadata(target)
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", meta.Version)
}

func TestUpdateManagerRollbackNoBackupFound(t *testing.T) {
	um, _ := newTestUpdateManager(t)
	err := um.Rollback("ghost")
	assert.Error(t, err)
}

func TestUpdateManagerCleanupOldBackupsRespectsMaxAge(t *testing.T) {
	um, cfg := newTestUpdateManager(t)
	old := filepath.Join(cfg.BackupDir, "demo-old-backup.zip")
	writeTestBundle(t, old, "demo", "1.0.0")

	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	um2, err := NewUpdateManager(UpdateManagerConfig{
		PluginDir:    cfg.PluginDir,
		UpdateDir:    cfg.UpdateDir,
		BackupDir:    cfg.BackupDir,
		BundleExt:    ".zip",
		MaxBackupAge: 24 * time.Hour,
	}, nil)
	require.NoError(t, err)

	removed, err := um2.CleanupOldBackups()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, statErr := os.Stat(old)
	assert.True(t, os.IsNotExist(statErr))
}
