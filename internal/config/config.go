// Package config loads keysmith settings from keysmith.yaml, KEYSMITH_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/keysmith/internal/model"
)

// EnvPrefix is prepended to every environment override, e.g.
// KEYSMITH_STORE_DSN for store.dsn.
const EnvPrefix = "KEYSMITH"

// FileName is the config file name searched for without extension.
const FileName = "keysmith"

// Config is the full effective configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Keys    KeysConfig    `mapstructure:"keys"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     string        `mapstructure:"max_body_size"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	EnableUI        bool          `mapstructure:"enable_ui"`
	BaseURL         string        `mapstructure:"base_url"`
}

// MaxBodyBytes parses MaxBodySize ("64KiB", "1MB", "65536").
func (s ServerConfig) MaxBodyBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.MaxBodySize)
	if err != nil {
		return 0, fmt.Errorf("server.max_body_size: %w", err)
	}
	return int64(n), nil
}

// StoreConfig selects the key store backend.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	DataDir         string        `mapstructure:"data_dir"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// Pool returns the pool settings in the form the store takes.
func (s StoreConfig) Pool() model.PoolConfig {
	return model.PoolConfig{
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		ConnMaxIdleTime: s.ConnMaxIdleTime,
	}
}

// KeysConfig tunes issuance.
type KeysConfig struct {
	MaxIssueAttempts int `mapstructure:"max_issue_attempts"`
}

// AuthConfig controls the optional admin guard. An empty JWTSecret leaves
// issuance and revocation open.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MCPConfig controls the MCP server started by `keysmith mcp`.
type MCPConfig struct {
	Transport string `mapstructure:"transport"`
	Port      int    `mapstructure:"port"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var drivers = map[string]bool{"sqlite": true, "mysql": true, "postgres": true, "mssql": true}

// defaults is the single source of default values. Durations and sizes are
// strings so the same tree can be written out as YAML.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host":             "0.0.0.0",
			"port":             3000,
			"shutdown_timeout": "30s",
			"max_body_size":    "64KiB",
			"cors_origins":     []string{"*"},
			"enable_ui":        true,
			"base_url":         "",
		},
		"store": map[string]interface{}{
			"driver":             "sqlite",
			"dsn":                "",
			"data_dir":           "",
			"max_open_conns":     25,
			"max_idle_conns":     5,
			"conn_max_lifetime":  "5m",
			"conn_max_idle_time": "1m",
		},
		"keys": map[string]interface{}{
			"max_issue_attempts": 3,
		},
		"auth": map[string]interface{}{
			"jwt_secret": "",
			"jwt_ttl":    "1h",
		},
		"log": map[string]interface{}{
			"level":  "info",
			"format": "text",
		},
		"mcp": map[string]interface{}{
			"transport": "stdio",
			"port":      3001,
		},
		"metrics": map[string]interface{}{
			"enabled": true,
		},
	}
}

// SetDefaults registers every known key on v. Environment overrides only
// apply to keys viper knows about, so this must run before Load.
func SetDefaults(v *viper.Viper) {
	for section, values := range defaults() {
		for key, val := range values.(map[string]interface{}) {
			v.SetDefault(section+"."+key, val)
		}
	}
}

// Init prepares v: defaults, KEYSMITH_* environment overrides, and the
// config file. An explicit file that cannot be read is an error; a missing
// keysmith.yaml in the search path is not.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".keysmith"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic("config: invalid defaults: " + err.Error())
	}
	return cfg
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if !drivers[c.Store.Driver] {
		return fmt.Errorf("store.driver: unsupported driver %q (available: %s)", c.Store.Driver, strings.Join(DriverNames(), ", "))
	}
	if c.Store.Driver != "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if _, err := c.Server.MaxBodyBytes(); err != nil {
		return err
	}
	if c.Keys.MaxIssueAttempts < 1 {
		return fmt.Errorf("keys.max_issue_attempts must be at least 1")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: %q (want text or json)", c.Log.Format)
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("mcp.transport: %q (want stdio or http)", c.MCP.Transport)
	}
	return nil
}

// DriverNames lists the supported store drivers.
func DriverNames() []string {
	names := make([]string, 0, len(drivers))
	for d := range drivers {
		names = append(names, d)
	}
	sort.Strings(names)
	return names
}

// NewLogger builds the process logger. debug forces the debug level.
func (l LogConfig) NewLogger(w io.Writer, debug bool) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %q (want debug, info, warn or error)", s)
	}
	return level, nil
}

const fileHeader = `# keysmith configuration
#
# Every key can be overridden with an environment variable named
# KEYSMITH_<SECTION>_<KEY>, e.g. KEYSMITH_STORE_DSN or KEYSMITH_AUTH_JWT_SECRET.
#
# store.driver: sqlite (default), mysql, postgres or mssql.
# Leave store.dsn empty with sqlite to use <data_dir>/keysmith.db.

`

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	data, err := yaml.Marshal(defaults())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(fileHeader), data...), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
