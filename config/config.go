// Package config loads barcontrol settings from a YAML file, the environment
// and command line flags. Environment variables use the prefix BARCONTROL and
// map "." to "_", e.g. BARCONTROL_TLS_CA_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/torsten-rupp/bar-sub003/client"
	"github.com/torsten-rupp/bar-sub003/transport"
)

const (
	DefaultPort    = 38523
	DefaultTLSPort = 38524
	EnvPrefix      = "BARCONTROL"
	FileName       = "barcontrol"
)

// Config holds the connection and logging settings.
type Config struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	TLSPort  int           `mapstructure:"tls_port" yaml:"tls_port"`
	ForceTLS bool          `mapstructure:"force_tls" yaml:"force_tls"`
	TLS      TLSConfig     `mapstructure:"tls" yaml:"tls"`
	Password string        `mapstructure:"password" yaml:"password"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"-"`
	Log      LogConfig     `mapstructure:"log" yaml:"log"`
}

// TLSConfig names explicit credential files. Empty fields fall back to the
// default locations.
type TLSConfig struct {
	CAFile           string `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile         string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile          string `mapstructure:"key_file" yaml:"key_file"`
	KeystoreFile     string `mapstructure:"keystore_file" yaml:"keystore_file"`
	KeystorePassword string `mapstructure:"keystore_password" yaml:"keystore_password"`
}

// LogConfig controls log level and the optional rotated log file.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:    "localhost",
		Port:    DefaultPort,
		TLSPort: DefaultTLSPort,
		Timeout: client.DefaultTimeout,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"host":      "host",
	"port":      "port",
	"tls-port":  "tls_port",
	"force-tls": "force_tls",
	"password":  "password",
	"timeout":   "timeout",
	"ca-file":   "tls.ca_file",
	"cert-file": "tls.cert_file",
	"key-file":  "tls.key_file",
	"keystore":  "tls.keystore_file",
	"log-level": "log.level",
	"log-file":  "log.file",
}

// Load reads the configuration from path, or from $BARCONTROL_CONFIG, or from
// barcontrol.yaml in the working directory or ~/.bar. A missing file is not
// an error. Flags that were set on the command line override everything.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("tls_port", cfg.TLSPort)
	v.SetDefault("force_tls", cfg.ForceTLS)
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.keystore_file", "")
	v.SetDefault("tls.keystore_password", "")
	v.SetDefault("password", "")
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".bar"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	case "warning":
		c.Log.Level = "warn"
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host must not be empty")
	}
	for name, port := range map[string]int{"port": c.Port, "tls_port": c.TLSPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if c.Port == 0 && c.TLSPort == 0 {
		return errors.New("port and tls_port are both disabled")
	}
	return nil
}

// ClientOptions maps the configuration to client options. A negative timeout
// disables command deadlines.
func (c *Config) ClientOptions() client.Options {
	timeout := c.Timeout
	if timeout < 0 {
		timeout = client.NoTimeout
	}
	return client.Options{
		Host:     c.Host,
		Port:     c.Port,
		TLSPort:  c.TLSPort,
		ForceTLS: c.ForceTLS,
		Credentials: transport.Credentials{
			CAFile:   c.TLS.CAFile,
			CertFile: c.TLS.CertFile,
			KeyFile:  c.TLS.KeyFile,
		},
		KeystoreFile:     c.TLS.KeystoreFile,
		KeystorePassword: c.TLS.KeystorePassword,
		Password:         c.Password,
		Timeout:          timeout,
	}
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() (string, error) {
	view := struct {
		Config  `yaml:",inline"`
		Timeout string `yaml:"timeout"`
	}{Config: *c, Timeout: c.Timeout.String()}
	if view.Password != "" {
		view.Password = "***"
	}
	if view.TLS.KeystorePassword != "" {
		view.TLS.KeystorePassword = "***"
	}

	out, err := yaml.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}
