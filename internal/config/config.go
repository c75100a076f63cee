// Package config loads itemsync settings from defaults, an optional YAML
// file and ITEMSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/roach88/itemsync/internal/backoff"
	"github.com/roach88/itemsync/internal/identity"
)

// EnvPrefix prefixes environment overrides: remote.url is ITEMSYNC_REMOTE_URL.
const EnvPrefix = "ITEMSYNC"

// FileName is the config file name searched for when no path is given.
const FileName = "itemsync"

// Config is the complete itemsync configuration.
type Config struct {
	Database    string            `mapstructure:"database" yaml:"database"`
	Device      DeviceConfig      `mapstructure:"device" yaml:"device"`
	Remote      RemoteConfig      `mapstructure:"remote" yaml:"remote"`
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Attachments AttachmentsConfig `mapstructure:"attachments" yaml:"attachments"`
	Identity    IdentityConfig    `mapstructure:"identity" yaml:"identity"`
	Schema      SchemaConfig      `mapstructure:"schema" yaml:"schema"`
	Inbox       InboxConfig       `mapstructure:"inbox" yaml:"inbox"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// DeviceConfig identifies this replica.
type DeviceConfig struct {
	// ID overrides the replica ID stored in the database.
	ID string `mapstructure:"id" yaml:"id"`
}

// RemoteConfig points at the remote store.
type RemoteConfig struct {
	// URL of the HTTP remote. Empty runs without a remote.
	URL          string        `mapstructure:"url" yaml:"url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SyncConfig tunes record sync.
type SyncConfig struct {
	Workers           int            `mapstructure:"workers" yaml:"workers"`
	MaxConflictRounds int            `mapstructure:"max_conflict_rounds" yaml:"max_conflict_rounds"`
	Retry             backoff.Policy `mapstructure:"retry" yaml:"retry"`
}

// AttachmentsConfig tunes uploads and the blob cache.
type AttachmentsConfig struct {
	// CacheDir defaults to "<database>.blobs" when empty.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
	Workers  int    `mapstructure:"workers" yaml:"workers"`
	// LinkFields writes <slot>_url into the entity when an upload syncs.
	LinkFields bool           `mapstructure:"link_fields" yaml:"link_fields"`
	Retry      backoff.Policy `mapstructure:"retry" yaml:"retry"`
}

// IdentityConfig tunes token resolution.
type IdentityConfig struct {
	IDStrategy string `mapstructure:"id_strategy" yaml:"id_strategy"`
	Checksum   string `mapstructure:"checksum" yaml:"checksum"`
	Dangling   string `mapstructure:"dangling" yaml:"dangling"`
}

// SchemaConfig selects the record schema.
type SchemaConfig struct {
	// Path to a CUE file with an #Entity definition. Empty uses the built-in schema.
	Path string `mapstructure:"path" yaml:"path"`
}

// InboxConfig configures the scan spool directory.
type InboxConfig struct {
	// Dir is watched by "itemsync run" when set.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: "itemsync.db",
		Remote: RemoteConfig{
			Timeout:      10 * time.Second,
			PollInterval: 2 * time.Second,
		},
		Sync: SyncConfig{
			Workers:           4,
			MaxConflictRounds: 3,
			Retry:             backoff.Default(),
		},
		Attachments: AttachmentsConfig{
			Workers:    2,
			LinkFields: true,
			Retry:      backoff.Default(),
		},
		Identity: IdentityConfig{
			IDStrategy: string(identity.StrategyDerived),
			Checksum:   "none",
			Dangling:   string(identity.DanglingRecreate),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads the configuration. path names a config file; when empty,
// itemsync.yaml is looked up in the working directory and then in
// $HOME/.config/itemsync, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "itemsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// no config file mentions.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database", d.Database)
	v.SetDefault("device.id", d.Device.ID)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.poll_interval", d.Remote.PollInterval)

	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.max_conflict_rounds", d.Sync.MaxConflictRounds)
	setRetryDefaults(v, "sync.retry", d.Sync.Retry)

	v.SetDefault("attachments.cache_dir", d.Attachments.CacheDir)
	v.SetDefault("attachments.workers", d.Attachments.Workers)
	v.SetDefault("attachments.link_fields", d.Attachments.LinkFields)
	setRetryDefaults(v, "attachments.retry", d.Attachments.Retry)

	v.SetDefault("identity.id_strategy", d.Identity.IDStrategy)
	v.SetDefault("identity.checksum", d.Identity.Checksum)
	v.SetDefault("identity.dangling", d.Identity.Dangling)

	v.SetDefault("schema.path", d.Schema.Path)
	v.SetDefault("inbox.dir", d.Inbox.Dir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

func setRetryDefaults(v *viper.Viper, prefix string, p backoff.Policy) {
	v.SetDefault(prefix+".initial", p.Initial)
	v.SetDefault(prefix+".max", p.Max)
	v.SetDefault(prefix+".multiplier", p.Multiplier)
	v.SetDefault(prefix+".max_attempts", p.MaxAttempts)
	v.SetDefault(prefix+".jitter", p.Jitter)
}

// CacheDir returns the attachment cache directory.
func (c *Config) CacheDir() string {
	if c.Attachments.CacheDir != "" {
		return c.Attachments.CacheDir
	}
	return c.Database + ".blobs"
}

// IdentityChecksum maps the configured checksum name to an identity scheme.
func (c *Config) IdentityChecksum() identity.Checksum {
	if c.Identity.Checksum == "none" {
		return identity.ChecksumNone
	}
	return identity.Checksum(c.Identity.Checksum)
}
