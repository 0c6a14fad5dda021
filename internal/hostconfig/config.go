// Package hostconfig loads the plugin host's bootstrap configuration from
// environment variables, following the plain-struct-plus-getEnv style the
// rest of this codebase uses instead of a flag/viper framework.
package hostconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// HostConfig describes where the host's directories live and the tunable
// pool sizes / intervals that the spec's concurrency model names.
type HostConfig struct {
	PluginDir   string
	UpdateDir   string
	DataDir     string
	BackupDir   string
	StagingDir  string
	StateDir    string

	BundleExt string

	EventBusWorkers    int
	SchedulerWorkers   int
	AsyncPoolWorkers   int
	ReloadPoolWorkers  int
	WatcherPoolWorkers int

	StabilityWait    time.Duration
	StabilitySettle  time.Duration
	RescanInterval   time.Duration

	CheckVersionConstraints bool
	CreateBackups           bool
	AutoCleanupBackups      bool
	CleanupUpdateFiles      bool
	MaxBackupAge            time.Duration

	ShutdownGrace time.Duration

	LogLevel  string
	LogPretty bool
}

// Load builds a HostConfig from environment variables, applying the same
// defaults a fresh checkout would want to run against ./plugins.
func Load() HostConfig {
	cfg := HostConfig{
		PluginDir:  getEnv("PLUGIN_DIR", "./plugins"),
		UpdateDir:  getEnv("PLUGIN_UPDATE_DIR", "./updates"),
		DataDir:    getEnv("PLUGIN_DATA_DIR", "./plugin-data"),
		BackupDir:  getEnv("PLUGIN_BACKUP_DIR", "./plugin-backups"),
		StagingDir: getEnv("PLUGIN_STAGING_DIR", "./plugin-staging"),
		StateDir:   getEnv("PLUGIN_STATE_DIR", "./plugin-state"),

		BundleExt: getEnv("PLUGIN_BUNDLE_EXT", ".zip"),

		EventBusWorkers:    getEnvInt("EVENT_BUS_WORKERS", 4),
		SchedulerWorkers:   getEnvInt("SCHEDULER_WORKERS", 4),
		AsyncPoolWorkers:   getEnvInt("ASYNC_POOL_WORKERS", 8),
		ReloadPoolWorkers:  getEnvInt("RELOAD_POOL_WORKERS", 3),
		WatcherPoolWorkers: getEnvInt("WATCHER_POOL_WORKERS", 2),

		StabilityWait:  getEnvDuration("STABILITY_WAIT", 500*time.Millisecond),
		StabilitySettle: getEnvDuration("STABILITY_SETTLE", 200*time.Millisecond),
		RescanInterval: getEnvDuration("RESCAN_INTERVAL", 30*time.Second),

		CheckVersionConstraints: getEnvBool("CHECK_VERSION_CONSTRAINTS", true),
		CreateBackups:           getEnvBool("CREATE_BACKUPS", true),
		AutoCleanupBackups:      getEnvBool("AUTO_CLEANUP_BACKUPS", false),
		CleanupUpdateFiles:      getEnvBool("CLEANUP_UPDATE_FILES", false),
		MaxBackupAge:            getEnvDuration("MAX_BACKUP_AGE", 0),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
	}
	return cfg
}

// Validate checks that the configuration is internally consistent.
func (c HostConfig) Validate() error {
	if c.PluginDir == "" {
		return fmt.Errorf("PLUGIN_DIR must not be empty")
	}
	if c.BundleExt == "" {
		return fmt.Errorf("PLUGIN_BUNDLE_EXT must not be empty")
	}
	if c.EventBusWorkers < 1 {
		return fmt.Errorf("EVENT_BUS_WORKERS must be >= 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
