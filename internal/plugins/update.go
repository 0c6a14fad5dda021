package plugins

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// UpdateAction classifies what applying a candidate would do.
type UpdateAction int

const (
	ActionInstall UpdateAction = iota
	ActionUpdate
	ActionDowngrade
	ActionSkip
)

func (a UpdateAction) String() string {
	switch a {
	case ActionInstall:
		return "INSTALL"
	case ActionUpdate:
		return "UPDATE"
	case ActionDowngrade:
		return "DOWNGRADE"
	case ActionSkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// UpdateCandidate is one bundle found in the updates directory, classified
// against whatever (if anything) is already installed under the same name.
type UpdateCandidate struct {
	Name           string
	Action         UpdateAction
	UpdateBundle   string
	ExistingBundle string
	NewVersion     string
	CurrentVersion string
}

// ScanResult is the outcome of a directory scan: classified candidates plus
// bundles whose metadata could not be read.
type ScanResult struct {
	Candidates   []UpdateCandidate
	InvalidFiles []string
}

// ApplyResult reports what happened for one candidate during Apply.
type ApplyResult struct {
	Name    string
	Action  UpdateAction
	Applied bool
	Err     error
}

// UpdateManagerConfig controls Update Manager behavior; mirrors the platform
// config flags, generalized from a single marketplace install flow to
// scan/classify/apply/rollback against local directories.
type UpdateManagerConfig struct {
	PluginDir               string
	UpdateDir               string
	BackupDir               string
	BundleExt               string
	CheckVersionConstraints bool
	CreateBackups           bool
	AutoCleanupBackups      bool
	CleanupUpdateFiles      bool
	MaxBackupAge            time.Duration
}

// UpdateManager scans an updates/ directory for new plugin bundles,
// classifies each against what's already installed in plugins/, applies
// accepted candidates with a backup-before-overwrite pass into
// plugin-backups/, and can roll a plugin back to its most recent backup.
type UpdateManager struct {
	cfg    UpdateManagerConfig
	loader *Loader
}

// NewUpdateManager creates an update manager over the given directories.
func NewUpdateManager(cfg UpdateManagerConfig, loader *Loader) (*UpdateManager, error) {
	for _, dir := range []string{cfg.PluginDir, cfg.UpdateDir, cfg.BackupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create update manager directory %s: %w", dir, err)
		}
	}
	return &UpdateManager{cfg: cfg, loader: loader}, nil
}

// Scan enumerates bundles in the updates directory and classifies each
// against the matching bundle (by plugin name) in the plugin directory, if
// any.
func (u *UpdateManager) Scan() (ScanResult, error) {
	entries, err := os.ReadDir(u.cfg.UpdateDir)
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan update directory: %w", err)
	}

	existing, err := u.indexInstalled()
	if err != nil {
		return ScanResult{}, err
	}

	var result ScanResult
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != u.cfg.BundleExt {
			continue
		}
		updatePath := filepath.Join(u.cfg.UpdateDir, e.Name())
		meta, err := u.readBundleMetadata(updatePath)
		if err != nil {
			result.InvalidFiles = append(result.InvalidFiles, updatePath)
			continue
		}

		cur, hasExisting := existing[meta.Name]
		cand := UpdateCandidate{
			Name:         meta.Name,
			UpdateBundle: updatePath,
			NewVersion:   meta.Version,
		}

		if !hasExisting {
			cand.Action = ActionInstall
			result.Candidates = append(result.Candidates, cand)
			continue
		}

		cand.ExistingBundle = cur.path
		cand.CurrentVersion = cur.meta.Version

		cmp, ok := compareVersions(meta.Version, cur.meta.Version)
		if !ok {
			if u.cfg.CheckVersionConstraints {
				continue
			}
			cand.Action = ActionDowngrade
			result.Candidates = append(result.Candidates, cand)
			continue
		}

		switch {
		case cmp > 0:
			cand.Action = ActionUpdate
			result.Candidates = append(result.Candidates, cand)
		case u.cfg.CheckVersionConstraints:
			// new_version <= current_version with checking on: silently skipped.
		default:
			cand.Action = ActionDowngrade
			result.Candidates = append(result.Candidates, cand)
		}
	}
	return result, nil
}

type installedBundle struct {
	path string
	meta Metadata
}

func (u *UpdateManager) indexInstalled() (map[string]installedBundle, error) {
	entries, err := os.ReadDir(u.cfg.PluginDir)
	if err != nil {
		return nil, fmt.Errorf("scan plugin directory: %w", err)
	}
	out := make(map[string]installedBundle)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != u.cfg.BundleExt {
			continue
		}
		path := filepath.Join(u.cfg.PluginDir, e.Name())
		meta, err := u.readBundleMetadata(path)
		if err != nil {
			continue
		}
		out[meta.Name] = installedBundle{path: path, meta: meta}
	}
	return out, nil
}

// readBundleMetadata reads a .zip bundle's manifest without keeping the
// extraction around.
func (u *UpdateManager) readBundleMetadata(zipPath string) (Metadata, error) {
	return loadMetadata(zipPath)
}

// Apply applies every candidate in list order: non-INSTALL candidates are
// backed up first (if enabled), then the update bundle replaces the live
// one. A failed apply restores from backup when one was taken. Right after
// each successful candidate, its update file and its backup are cleaned up
// per config.
func (u *UpdateManager) Apply(candidates []UpdateCandidate) []ApplyResult {
	results := make([]ApplyResult, 0, len(candidates))

	for _, cand := range candidates {
		res := ApplyResult{Name: cand.Name, Action: cand.Action}

		var backupPath string
		if cand.Action != ActionInstall && u.cfg.CreateBackups {
			bp, err := u.backup(cand)
			if err != nil {
				res.Err = &herrors.UpdateError{Name: cand.Name, Stage: "backup", Reason: err.Error()}
				results = append(results, res)
				continue
			}
			backupPath = bp
		}

		targetPath := cand.ExistingBundle
		if targetPath == "" {
			targetPath = filepath.Join(u.cfg.PluginDir, filepath.Base(cand.UpdateBundle))
		}

		if err := copyFile(cand.UpdateBundle, targetPath, 0o644); err != nil {
			res.Err = &herrors.UpdateError{Name: cand.Name, Stage: "apply", Reason: err.Error()}
			if backupPath != "" {
				if restoreErr := copyFile(backupPath, targetPath, 0o644); restoreErr != nil {
					logger.Component("update").Error().
						Str("plugin", cand.Name).
						Err(restoreErr).
						Msg("restore from backup failed after apply error")
				}
			}
			results = append(results, res)
			continue
		}

		res.Applied = true
		results = append(results, res)

		if u.cfg.CleanupUpdateFiles {
			if err := os.Remove(cand.UpdateBundle); err != nil {
				logger.Component("update").Warn().Str("plugin", cand.Name).Err(err).Msg("cleanup of update file failed")
			}
		}
		if u.cfg.AutoCleanupBackups && backupPath != "" {
			if err := os.Remove(backupPath); err != nil {
				logger.Component("update").Warn().Str("plugin", cand.Name).Err(err).Msg("cleanup of backup failed")
			}
		}
	}
	return results
}

func (u *UpdateManager) backup(cand UpdateCandidate) (string, error) {
	ts := updateTimestamp()
	backupName := fmt.Sprintf("%s-%s-backup%s", cand.Name, ts, u.cfg.BundleExt)
	backupPath := filepath.Join(u.cfg.BackupDir, backupName)
	if err := copyFile(cand.ExistingBundle, backupPath, 0o644); err != nil {
		return "", err
	}
	return backupPath, nil
}

// Rollback finds the most recent backup for name by modification time and
// copies it over the live bundle.
func (u *UpdateManager) Rollback(name string) error {
	entries, err := os.ReadDir(u.cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("scan backup directory: %w", err)
	}

	prefix := name + "-"
	var best os.DirEntry
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == nil || info.ModTime().After(bestTime) {
			best = e
			bestTime = info.ModTime()
		}
	}
	if best == nil {
		return &herrors.UpdateError{Name: name, Stage: "rollback", Reason: "no backup found"}
	}

	target := filepath.Join(u.cfg.PluginDir, name+u.cfg.BundleExt)
	return copyFile(filepath.Join(u.cfg.BackupDir, best.Name()), target, 0o644)
}

// CleanupOldBackups deletes backup files older than the configured
// max backup age. A non-positive MaxBackupAge disables this entirely.
func (u *UpdateManager) CleanupOldBackups() (int, error) {
	if u.cfg.MaxBackupAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-u.cfg.MaxBackupAge)

	entries, err := os.ReadDir(u.cfg.BackupDir)
	if err != nil {
		return 0, fmt.Errorf("scan backup directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(u.cfg.BackupDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// compareVersions splits two dotted-numeric version strings, zero-pads them
// to equal length, and compares numerically component by component. ok is
// false if any component on either side is non-numeric.
func compareVersions(a, b string) (cmp int, ok bool) {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for len(pa) < n {
		pa = append(pa, "0")
	}
	for len(pb) < n {
		pb = append(pb, "0")
	}

	for i := 0; i < n; i++ {
		na, err := strconv.Atoi(pa[i])
		if err != nil {
			return 0, false
		}
		nb, err := strconv.Atoi(pb[i])
		if err != nil {
			return 0, false
		}
		if na != nb {
			if na > nb {
				return 1, true
			}
			return -1, true
		}
	}
	return 0, true
}

func updateTimestamp() string {
	return time.Now().Format("20060102-150405")
}

// unzip extracts a zip archive to dest, matching the same read-entry/create-
// file/io.Copy shape the platform uses for tar.gz bundles, adapted to the
// stdlib zip reader since this spec's bundle format is a single-file zip
// rather than a downloaded tarball.
func unzip(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}
