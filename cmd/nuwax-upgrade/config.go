package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/nuwax-ai/nuwax-cli-sub001/database"
	"github.com/nuwax-ai/nuwax-cli-sub001/download"
	"github.com/nuwax-ai/nuwax-cli-sub001/migration"
	"github.com/nuwax-ai/nuwax-cli-sub001/s3"
	"github.com/nuwax-ai/nuwax-cli-sub001/upgrade"
)

const (
	configName = "nuwax-upgrade"
	envPrefix  = "NUWAX"
)

// InstallConfig locates the installation being upgraded.
type InstallConfig struct {
	Root        string `mapstructure:"root"`
	ComposeFile string `mapstructure:"compose_file"`
	Project     string `mapstructure:"project"`
	CacheDir    string `mapstructure:"cache_dir"`
	// Arch overrides the detected architecture
	Arch string `mapstructure:"arch"`
	// VersionFile holds the installed version, relative to root
	VersionFile string `mapstructure:"version_file"`
}

// PatchConfig configures artifact verification and application.
type PatchConfig struct {
	PublicKey       string   `mapstructure:"public_key"`
	StripComponents int      `mapstructure:"strip_components"`
	RequiredEntries []string `mapstructure:"required_entries"`
}

// Config is the full tool configuration, read from nuwax-upgrade.yaml and
// NUWAX_* environment variables.
type Config struct {
	LogLevel  string                `mapstructure:"log_level"`
	LogFormat string                `mapstructure:"log_format"`
	Install   InstallConfig         `mapstructure:"install"`
	Database  database.Config       `mapstructure:"database"`
	MySQL     migration.MySQLConfig `mapstructure:"mysql"`
	Migration migration.Options     `mapstructure:"migration"`
	HTTP      download.HTTPConfig   `mapstructure:"http"`
	S3        s3.Config             `mapstructure:"s3"`
	Patch     PatchConfig           `mapstructure:"patch"`
	Upgrade   upgrade.Config        `mapstructure:"upgrade"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Install: InstallConfig{
			Root:        "/opt/nuwax/docker",
			ComposeFile: "docker-compose.yml",
			Project:     "nuwax",
			CacheDir:    "/var/cache/nuwax",
			VersionFile: ".nuwax-version",
		},
		Database:  database.DefaultConfig(),
		MySQL:     migration.DefaultMySQLConfig(),
		Migration: migration.DefaultOptions(),
		HTTP:      download.DefaultHTTPConfig(),
		S3:        s3.DefaultConfig(),
		Patch: PatchConfig{
			RequiredEntries: []string{"docker-compose.yml"},
		},
		Upgrade: upgrade.DefaultConfig(),
	}
}

// registerDefaults makes every key known to viper so NUWAX_* variables
// override keys absent from the file.
func registerDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	v.SetDefault("install.root", cfg.Install.Root)
	v.SetDefault("install.compose_file", cfg.Install.ComposeFile)
	v.SetDefault("install.project", cfg.Install.Project)
	v.SetDefault("install.cache_dir", cfg.Install.CacheDir)
	v.SetDefault("install.arch", cfg.Install.Arch)
	v.SetDefault("install.version_file", cfg.Install.VersionFile)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.lock_ttl", cfg.Database.LockTTL)

	v.SetDefault("mysql.address", cfg.MySQL.Address)
	v.SetDefault("mysql.user", cfg.MySQL.User)
	v.SetDefault("mysql.password", cfg.MySQL.Password)
	v.SetDefault("mysql.database", cfg.MySQL.Database)
	v.SetDefault("mysql.timeout", cfg.MySQL.Timeout)
	v.SetDefault("mysql.max_open_conns", cfg.MySQL.MaxOpenConns)
	v.SetDefault("mysql.conn_max_lifetime", cfg.MySQL.ConnMaxLifetime)

	v.SetDefault("migration.transactional_ddl", cfg.Migration.TransactionalDDL)
	v.SetDefault("migration.statement_timeout", cfg.Migration.StatementTimeout)
	v.SetDefault("migration.skip_applied", cfg.Migration.SkipApplied)

	v.SetDefault("http.timeout", cfg.HTTP.Timeout)
	v.SetDefault("http.user_agent", cfg.HTTP.UserAgent)
	v.SetDefault("http.progress_interval", cfg.HTTP.ProgressInterval)
	v.SetDefault("http.retry.max_retries", cfg.HTTP.Retry.MaxRetries)
	v.SetDefault("http.retry.initial_interval", cfg.HTTP.Retry.InitialInterval)
	v.SetDefault("http.retry.max_interval", cfg.HTTP.Retry.MaxInterval)

	v.SetDefault("s3.region", cfg.S3.Region)
	v.SetDefault("s3.endpoint", cfg.S3.Endpoint)
	v.SetDefault("s3.use_path_style", cfg.S3.UsePathStyle)
	v.SetDefault("s3.max_size", cfg.S3.MaxSize)
	v.SetDefault("s3.progress_interval", cfg.S3.ProgressInterval)

	v.SetDefault("patch.public_key", cfg.Patch.PublicKey)
	v.SetDefault("patch.strip_components", cfg.Patch.StripComponents)
	v.SetDefault("patch.required_entries", cfg.Patch.RequiredEntries)

	v.SetDefault("upgrade.schema_file", cfg.Upgrade.SchemaFile)
	v.SetDefault("upgrade.locked_by", cfg.Upgrade.LockedBy)
	v.SetDefault("upgrade.metrics_textfile", cfg.Upgrade.MetricsTextfile)
}

// loadConfig reads path, or nuwax-upgrade.yaml from the working directory
// and /etc/nuwax when path is empty. A missing default file is not an error.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	cfg := DefaultConfig()
	registerDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nuwax")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// composeFile resolves the compose file against the root.
func (c InstallConfig) composeFile() string {
	if filepath.IsAbs(c.ComposeFile) {
		return c.ComposeFile
	}
	return filepath.Join(c.Root, c.ComposeFile)
}

func (c InstallConfig) versionFile() string {
	if filepath.IsAbs(c.VersionFile) {
		return c.VersionFile
	}
	return filepath.Join(c.Root, c.VersionFile)
}

// readInstalledVersion returns the contents of the version file, or "" when
// it does not exist.
func (c InstallConfig) readInstalledVersion() (string, error) {
	data, err := os.ReadFile(c.versionFile())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read version file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeInstalledVersion replaces the version file atomically.
func (c InstallConfig) writeInstalledVersion(v string) error {
	path := c.versionFile()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(v+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}
