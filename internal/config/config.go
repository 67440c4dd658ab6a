// Package config loads condastore's service configuration: a YAML file
// with environment-variable overrides, validated after both layers are
// applied.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the thin HTTP read-surface (cmd/condastore-server).
type ServerConfig struct {
	APIPort     string `yaml:"api_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseRef names the database connection settings; the actual Config
// type lives in internal/database so both packages agree on one shape.
type DatabaseRef struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// StorageConfig selects and configures one of the storage backend
// plugins.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // "local" or "s3"
	Local   LocalConfig `yaml:"local"`
	S3      S3Config    `yaml:"s3"`
}

type LocalConfig struct {
	StoragePath string `yaml:"storage_path"`
	StorageURL  string `yaml:"storage_url"`
}

type S3Config struct {
	InternalEndpoint string `yaml:"internal_endpoint"`
	ExternalEndpoint string `yaml:"external_endpoint"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	BucketName       string `yaml:"bucket_name"`
	InternalSecure   bool   `yaml:"internal_secure"`
	ExternalSecure   bool   `yaml:"external_secure"`
}

// LockerConfig selects the active lock plugin and the solver
// invocation details passed to it.
type LockerConfig struct {
	PluginName     string   `yaml:"plugin_name"`
	CondaCommand   string   `yaml:"conda_command"`
	CondaFlags     string   `yaml:"conda_flags"`
	InstallCommand string   `yaml:"install_command"`
	SolvePlatforms []string `yaml:"solve_platforms"`
}

// ChannelPolicyConfig is the channel-policy knobs consumed by
// pkg/specification.
type ChannelPolicyConfig struct {
	ChannelAlias    string   `yaml:"channel_alias"`
	AllowedChannels []string `yaml:"allowed_channels"`
	DefaultChannels []string `yaml:"default_channels"`
}

// PackagePolicyConfig is the conda-package-policy knobs.
type PackagePolicyConfig struct {
	IncludedPackages []string `yaml:"included_packages"`
	RequiredPackages []string `yaml:"required_packages"`
	DefaultPackages  []string `yaml:"default_packages"`
}

// PyPIPolicyConfig is the pip-package-policy knobs.
type PyPIPolicyConfig struct {
	IncludedPackages []string `yaml:"included_packages"`
	RequiredPackages []string `yaml:"required_packages"`
	DefaultPackages  []string `yaml:"default_packages"`
}

// BuildConfig is the per-build filesystem/ownership settings consumed
// by the orchestrator.
type BuildConfig struct {
	StorePath            string `yaml:"store_path"`
	EnvironmentPath      string `yaml:"environment_path"`
	PackageCache         string `yaml:"package_cache"`
	DefaultPermissions   string `yaml:"default_permissions"`
	DefaultUID           int    `yaml:"default_uid"`
	DefaultGID           int    `yaml:"default_gid"`
	StuckBuildSettleSecs int    `yaml:"stuck_build_settle_secs"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig locates the task broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is condastore's top-level service configuration.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Database DatabaseRef         `yaml:"database"`
	Storage  StorageConfig       `yaml:"storage"`
	Locker   LockerConfig        `yaml:"locker"`
	Channels ChannelPolicyConfig `yaml:"channels"`
	Packages PackagePolicyConfig `yaml:"packages"`
	PyPI     PyPIPolicyConfig    `yaml:"pypi"`
	Build    BuildConfig         `yaml:"build"`
	Logging  LoggingConfig       `yaml:"logging"`
	Redis    RedisConfig         `yaml:"redis"`
}

var validStorageBackends = map[string]bool{"local": true, "s3": true}

// Load reads and parses a YAML config file at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIPort:     "5000",
			MetricsPort: "9090",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				StoragePath: "/var/lib/condastore/storage",
				StorageURL:  "/storage",
			},
			S3: S3Config{
				Region:         "us-east-1",
				BucketName:     "conda-store",
				InternalSecure: true,
				ExternalSecure: true,
			},
		},
		Locker: LockerConfig{
			PluginName:     "conda-lock",
			CondaCommand:   "mamba",
			InstallCommand: "conda-lock",
			SolvePlatforms: []string{"linux-64", "noarch"},
		},
		Channels: ChannelPolicyConfig{
			ChannelAlias:    "https://conda.anaconda.org",
			DefaultChannels: []string{"conda-forge"},
		},
		Packages: PackagePolicyConfig{
			DefaultPackages: []string{"python"},
		},
		Build: BuildConfig{
			StorePath:            "/var/lib/condastore/conda-store",
			PackageCache:         "/var/lib/condastore/pkgs",
			DefaultPermissions:   "775",
			StuckBuildSettleSecs: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// validate enforces invariants that can't be expressed as YAML defaults
// alone: a recognized storage backend, sane build timing, and a non-empty
// locker plugin name.
func validate(c *Config) error {
	if !validStorageBackends[c.Storage.Backend] {
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	if c.Locker.PluginName == "" {
		return fmt.Errorf("locker plugin name is required")
	}
	if c.Build.StuckBuildSettleSecs <= 0 {
		return fmt.Errorf("build stuck_build_settle_secs must be greater than 0")
	}
	if c.Storage.Backend == "s3" {
		if c.Storage.S3.BucketName == "" {
			return fmt.Errorf("s3 bucket_name is required when storage backend is s3")
		}
	}
	return nil
}

// loadFromEnv overlays environment variables on top of values already read
// from the YAML file. Only a handful of operationally-common settings are
// exposed this way; the rest is file-only.
func loadFromEnv(c *Config) error {
	if v := os.Getenv("CONDASTORE_API_PORT"); v != "" {
		c.Server.APIPort = v
	}
	if v := os.Getenv("CONDASTORE_METRICS_PORT"); v != "" {
		c.Server.MetricsPort = v
	}
	if v := os.Getenv("CONDASTORE_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("CONDASTORE_S3_ACCESS_KEY"); v != "" {
		c.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("CONDASTORE_S3_SECRET_KEY"); v != "" {
		c.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("CONDASTORE_LOCKER_PLUGIN"); v != "" {
		c.Locker.PluginName = v
	}
	if v := os.Getenv("CONDASTORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONDASTORE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CONDASTORE_BUILD_SETTLE_SECS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CONDASTORE_BUILD_SETTLE_SECS: %w", err)
		}
		c.Build.StuckBuildSettleSecs = secs
	}
	return nil
}

// Watcher hot-reloads a config file, complementing the database-backed
// per-setting overrides. Callers receive the freshly loaded Config on
// every change; a parse failure is reported but does not replace the
// last-known-good config.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	updates chan *Config
	errs    chan error
}

// WatchConfig starts watching path for changes and returns a Watcher whose
// Updates channel emits a newly parsed Config after every write.
func WatchConfig(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		updates: make(chan *Config, 1),
		errs:    make(chan error, 1),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				select {
				case w.errs <- err:
				default:
				}
				continue
			}
			select {
			case w.updates <- cfg:
			default:
				<-w.updates
				w.updates <- cfg
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// Updates returns the channel of successfully reloaded configs.
func (w *Watcher) Updates() <-chan *Config { return w.updates }

// Errors returns the channel of watch/parse errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
