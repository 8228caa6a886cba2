package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "msgcore"
	DefaultPGSSLMode    = "disable"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Vault    VaultConfig    `toml:"vault"`
	Delivery DeliveryConfig `toml:"delivery"`
	Limits   LimitsConfig   `toml:"limits"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string         `toml:"jwt_secret"`
	JWTExpiresIn string         `toml:"jwt_expires_in"`
	Tenants      []TenantConfig `toml:"tenants"`
}

// TenantConfig is one API tenant's login. Only the bcrypt hash lives in the
// config file.
type TenantConfig struct {
	TenantID     string `toml:"tenant_id"`
	PasswordHash string `toml:"password_hash"`
}

// ExpiresIn parses the token lifetime, falling back to the default on a
// missing or malformed value.
func (a AuthConfig) ExpiresIn() time.Duration {
	raw := a.JWTExpiresIn
	if raw == "" {
		raw = DefaultJWTExpiresIn
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// URL renders the connection string consumed by pgxpool and the migration
// runner.
func (p PostgresConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else {
		u.User = url.User(p.User)
	}
	q := url.Values{}
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// VaultConfig holds the base64 key that seals platform credentials at rest.
type VaultConfig struct {
	Key string `toml:"key"`
}

type DeliveryConfig struct {
	Workers int `toml:"workers"`
}

// LimitsConfig points at an optional YAML file of per-platform limit
// overrides and bounds live session-backed connections. A zero session cap
// means unlimited.
type LimitsConfig struct {
	File               string `toml:"file"`
	SessionConnections int    `toml:"session_connections"`
}

// LimitOverride mirrors the adjustable content limits of one platform.
// Absent keys keep the adapter defaults.
type LimitOverride struct {
	MaxTextRunes       *int   `yaml:"max_text_runes"`
	MaxCaptionRunes    *int   `yaml:"max_caption_runes"`
	MaxEmbeds          *int   `yaml:"max_embeds"`
	MaxEmbedFields     *int   `yaml:"max_embed_fields"`
	MaxButtons         *int   `yaml:"max_buttons"`
	ButtonsPerRow      *int   `yaml:"buttons_per_row"`
	MaxButtonRows      *int   `yaml:"max_button_rows"`
	MaxAttachmentBytes *int64 `yaml:"max_attachment_bytes"`
}

// LoadLimitOverrides reads the YAML override file named by the limits
// section. No file configured, or the configured file missing, is not an
// error.
func (c Config) LoadLimitOverrides() (map[string]LimitOverride, error) {
	if c.Limits.File == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.Limits.File)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read limit overrides: %w", err)
	}
	overrides := map[string]LimitOverride{}
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse limit overrides: %w", err)
	}
	return overrides, nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
