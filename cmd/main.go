package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamspace-dev/pluginhost/internal/hostconfig"
	"github.com/streamspace-dev/pluginhost/internal/logger"
	"github.com/streamspace-dev/pluginhost/internal/plugins"
)

func main() {
	cfg := hostconfig.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Component("main")

	log.Info().Msg("starting plugin host runtime")

	for _, dir := range []string{cfg.PluginDir, cfg.UpdateDir, cfg.DataDir, cfg.BackupDir, cfg.StagingDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Str("dir", dir).Err(err).Msg("failed to create directory")
		}
	}

	registry := plugins.NewRegistry()
	resolver := plugins.NewResolver()
	extensions := plugins.NewExtensionManager()
	bus := plugins.NewEventBus(cfg.EventBusWorkers)
	scheduler := plugins.NewTaskScheduler(cfg.AsyncPoolWorkers)

	loader, err := plugins.NewLoader(cfg.StagingDir, extensions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create loader")
	}

	manager := plugins.NewManager(registry, resolver, loader, extensions, bus, scheduler, cfg.DataDir, cfg.BundleExt)

	updateManager, err := plugins.NewUpdateManager(plugins.UpdateManagerConfig{
		PluginDir:               cfg.PluginDir,
		UpdateDir:               cfg.UpdateDir,
		BackupDir:               cfg.BackupDir,
		BundleExt:               cfg.BundleExt,
		CheckVersionConstraints: cfg.CheckVersionConstraints,
		CreateBackups:           cfg.CreateBackups,
		AutoCleanupBackups:      cfg.AutoCleanupBackups,
		CleanupUpdateFiles:      cfg.CleanupUpdateFiles,
		MaxBackupAge:            cfg.MaxBackupAge,
	}, loader)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create update manager")
	}

	hotreload, err := plugins.NewHotReloadOrchestrator(manager, loader, cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create hot-reload orchestrator")
	}

	log.Info().Str("dir", cfg.PluginDir).Msg("loading built-in plugins")
	manager.LoadBuiltins()

	if scan, err := updateManager.Scan(); err != nil {
		log.Error().Err(err).Msg("pending update scan failed")
	} else if len(scan.Candidates) > 0 {
		log.Info().Int("count", len(scan.Candidates)).Msg("applying pending updates before initial load")
		for _, res := range updateManager.Apply(scan.Candidates) {
			if res.Err != nil {
				log.Error().Str("plugin", res.Name).Str("action", res.Action.String()).Err(res.Err).Msg("pending update failed to apply")
				continue
			}
			log.Info().Str("plugin", res.Name).Str("action", res.Action.String()).Msg("pending update applied")
		}
	}

	log.Info().Str("dir", cfg.PluginDir).Msg("loading plugin bundles")
	if err := manager.LoadAll(cfg.PluginDir); err != nil {
		log.Error().Err(err).Msg("initial plugin load pass failed")
	}

	for name := range registry.GetAll() {
		if err := manager.Enable(name); err != nil {
			log.Error().Str("plugin", name).Err(err).Msg("initial enable failed")
		}
	}

	watcher, err := plugins.NewWatcher(plugins.WatcherConfig{
		Dir:            cfg.PluginDir,
		Extension:      cfg.BundleExt,
		StabilityWait:  cfg.StabilityWait,
		SettleWait:     cfg.StabilitySettle,
		RescanInterval: cfg.RescanInterval,
	}, func(path string) {
		onBundleChanged(manager, loader, hotreload, path)
	}, func(path string) {
		log.Warn().Str("bundle", path).Msg("watched bundle removed")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start file watcher")
	}
	watcher.Start()

	log.Info().Msg("plugin host runtime ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	watcher.Stop()
	if n, err := updateManager.CleanupOldBackups(); err != nil {
		log.Warn().Err(err).Msg("backup cleanup failed during shutdown")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("stale backups removed during shutdown")
	}

	manager.Shutdown(cfg.ShutdownGrace)
	log.Info().Msg("plugin host runtime stopped")
}

// onBundleChanged is the watcher's change callback: it identifies the
// plugin that owns the changed bundle by reading its metadata, then
// enqueues a hot reload with auto-reload options. A bundle whose plugin has
// no cached metadata yet is logged and skipped; it is not loaded here.
func onBundleChanged(manager *plugins.Manager, loader *plugins.Loader, hotreload *plugins.HotReloadOrchestrator, path string) {
	log := logger.Component("main")

	meta, err := loader.LoadMetadata(path)
	if err != nil {
		log.Warn().Str("bundle", path).Err(err).Msg("changed bundle has unreadable metadata, skipping")
		return
	}

	if _, ok := manager.Metadata(meta.Name); !ok {
		log.Info().Str("plugin", meta.Name).Msg("new bundle detected, skipping auto-load (use the update manager or a restart)")
		return
	}

	go func() {
		res := hotreload.Reload(meta.Name, plugins.AutoReloadOptions())
		if !res.Success {
			log.Error().
				Str("plugin", meta.Name).
				Str("phase", res.FailedPhase.String()).
				Err(res.Err).
				Msg("auto hot-reload failed")
			return
		}
		log.Info().
			Str("plugin", meta.Name).
			Str("reload_id", res.ReloadID).
			Dur("duration", res.Duration).
			Bool("state_preserved", res.StatePreserved).
			Msg("auto hot-reload succeeded")
	}()
}
