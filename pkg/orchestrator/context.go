package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/plugin"
	"github.com/conda-store/condastore/pkg/storage"
)

// CondaStore is the service handle every task receives: the plugin
// manager, the active storage backend, the settings provider, and the
// logger. It is passed explicitly through the call graph rather than
// held in a package-level singleton.
type CondaStore struct {
	Plugins  *plugin.Manager
	Storage  storage.Backend
	Settings *SettingsProvider
	Logger   *zap.Logger
}

// BuildContext is the per-task environment: the resolved settings
// snapshot, the namespace/environment scope, and a child plugin
// registry holding the build-time plugin registrations. Construction
// registers the active locker on the scoped registry; Close
// unregisters it and must run on every exit path.
type BuildContext struct {
	Store       *CondaStore
	Namespace   string
	Environment string
	Settings    Settings

	plugins    *plugin.Manager
	lockerName string
}

// NewBuildContext resolves settings for the task's scope and registers
// the configured locker plugin on a scoped registry. The caller owns
// the returned context and must defer Close.
func NewBuildContext(ctx context.Context, store *CondaStore, namespace, environment string) (*BuildContext, error) {
	settings, err := store.Settings.Resolve(ctx, namespace, environment)
	if err != nil {
		return nil, err
	}

	scoped := store.Plugins.Scoped()
	locker, err := store.Plugins.Lock(settings.LockerPluginName)
	if err != nil {
		return nil, err
	}
	if err := scoped.RegisterLock(locker); err != nil {
		return nil, err
	}

	return &BuildContext{
		Store:       store,
		Namespace:   namespace,
		Environment: environment,
		Settings:    settings,
		plugins:     scoped,
		lockerName:  locker.Name(),
	}, nil
}

// Close unregisters the build-time plugin registrations.
func (bc *BuildContext) Close() {
	bc.plugins.UnregisterLock(bc.lockerName)
}

// Locker returns the active lock plugin for this build.
func (bc *BuildContext) Locker() (plugin.LockPlugin, error) {
	return bc.plugins.Lock(bc.Settings.LockerPluginName)
}
