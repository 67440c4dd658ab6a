package orchestrator

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// Settings is the resolved, per-build snapshot of every tunable the
// orchestrator consumes. A BuildContext captures one snapshot at
// construction; mid-build setting changes never affect a running
// build.
type Settings struct {
	StorePath          string
	EnvironmentPath    string
	PackageCache       string
	DefaultPermissions string
	DefaultUID         int
	DefaultGID         int

	CondaCommand     string
	CondaFlags       string
	InstallCommand   string
	SolvePlatforms   []string
	LockerPluginName string

	SettleWindow time.Duration
}

// KeyValueLister is the slice of the key-value repository the settings
// provider reads overrides from.
type KeyValueLister interface {
	ListByPrefix(ctx context.Context, prefix string) ([]*models.KeyValueStore, error)
}

// SettingsProvider resolves the settings snapshot for a build: the
// static base configuration overlaid with key-value overrides at
// global, namespace, and environment scope, most specific last.
type SettingsProvider struct {
	base   Settings
	kv     KeyValueLister
	logger *zap.Logger
}

func NewSettingsProvider(base Settings, kv KeyValueLister, logger *zap.Logger) *SettingsProvider {
	return &SettingsProvider{base: base, kv: kv, logger: logger}
}

// Resolve returns the settings for a build scoped to namespace and
// environment (either may be empty for an unscoped task).
func (p *SettingsProvider) Resolve(ctx context.Context, namespace, environment string) (Settings, error) {
	out := p.base
	if p.kv == nil {
		return out, nil
	}

	prefixes := []string{"global"}
	if namespace != "" {
		prefixes = append(prefixes, "namespace/"+namespace)
		if environment != "" {
			prefixes = append(prefixes, "environment/"+namespace+"/"+environment)
		}
	}

	for _, prefix := range prefixes {
		overrides, err := p.kv.ListByPrefix(ctx, prefix)
		if err != nil {
			return Settings{}, err
		}
		for _, row := range overrides {
			p.apply(&out, row.Key, row.Value)
		}
	}
	return out, nil
}

func (p *SettingsProvider) apply(s *Settings, key, value string) {
	switch key {
	case "conda_command":
		s.CondaCommand = value
	case "conda_flags":
		s.CondaFlags = value
	case "install_command":
		s.InstallCommand = value
	case "locker_plugin_name":
		s.LockerPluginName = value
	case "environment_path":
		s.EnvironmentPath = value
	case "default_permissions":
		s.DefaultPermissions = value
	case "default_uid":
		if uid, err := strconv.Atoi(value); err == nil {
			s.DefaultUID = uid
		}
	case "default_gid":
		if gid, err := strconv.Atoi(value); err == nil {
			s.DefaultGID = gid
		}
	default:
		p.logger.Debug("ignoring unknown setting override", zap.String("key", key))
	}
}
