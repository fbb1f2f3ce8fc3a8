// Package config holds the gtunnel configuration snapshot and the layers
// that build it: defaults, a YAML or JSON file, environment variables and
// command-line flags, applied in that order.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Security    SecurityConfig    `yaml:"security"`
	Performance PerformanceConfig `yaml:"performance"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Storage     StorageConfig     `yaml:"storage"`
	SauceLabs   SauceLabsConfig   `yaml:"sauceLabs"`
}

type ServerConfig struct {
	Host string    `yaml:"host"`
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled            bool       `yaml:"enabled"`
	Cert               string     `yaml:"cert,omitempty"`
	Key                string     `yaml:"key,omitempty"`
	CA                 string     `yaml:"ca,omitempty"`
	MinVersion         string     `yaml:"minVersion"`
	RejectUnauthorized bool       `yaml:"rejectUnauthorized"`
	ACME               ACMEConfig `yaml:"acme"`
}

// ACMEConfig enables certificates from an ACME CA via HTTP-01 challenges.
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Domains  []string `yaml:"domains,omitempty"`
	CacheDir string   `yaml:"cacheDir"`
	Email    string   `yaml:"email,omitempty"`
	HTTPPort int      `yaml:"httpPort"`
}

type AuthConfig struct {
	APIKey      APIKeyConfig `yaml:"apiKey"`
	IPWhitelist []string     `yaml:"ipWhitelist,omitempty"`
	IPBlacklist []string     `yaml:"ipBlacklist,omitempty"`
}

type APIKeyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

type RateLimitConfig struct {
	WindowMs          int `yaml:"windowMs"`
	MaxRequests       int `yaml:"maxRequests"`
	CleanupIntervalMs int `yaml:"cleanupIntervalMs"`
}

func (c RateLimitConfig) Window() time.Duration { return ms(c.WindowMs) }

func (c RateLimitConfig) CleanupInterval() time.Duration { return ms(c.CleanupIntervalMs) }

type PerformanceConfig struct {
	Compression         bool  `yaml:"compression"`
	MaxMessageBytes     int64 `yaml:"maxMessageBytes"`
	WriteTimeoutMs      int   `yaml:"writeTimeoutMs"`
	HeartbeatIntervalMs int   `yaml:"heartbeatIntervalMs"`
}

func (c PerformanceConfig) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMs) }

func (c PerformanceConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }

type MonitoringConfig struct {
	Metrics   ListenerConfig `yaml:"metrics"`
	Dashboard ListenerConfig `yaml:"dashboard"`
	Pprof     PprofConfig    `yaml:"pprof"`
	Logging   LoggingConfig  `yaml:"logging"`
}

type ListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type PprofConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// StorageConfig controls the connection history database. An empty path
// disables it.
type StorageConfig struct {
	Path           string `yaml:"path,omitempty"`
	RetentionHours int    `yaml:"retentionHours"`
}

func (c StorageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

type SauceLabsConfig struct {
	Compatible bool   `yaml:"compatible"`
	TunnelID   string `yaml:"tunnelId,omitempty"`
	TunnelName string `yaml:"tunnelName,omitempty"`
	Region     string `yaml:"region,omitempty"`
	Username   string `yaml:"username,omitempty"`
	AccessKey  string `yaml:"accessKey,omitempty"`
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultMetricsPort     = 9090
	defaultDashboardPort   = 8081
	defaultACMEHTTPPort    = 80
	defaultACMECacheDir    = "./cert"
	defaultRetentionHours  = 7 * 24
	defaultMaxMessageBytes = 10 << 20
	defaultWriteTimeoutMs  = 10_000
	defaultHeartbeatMs     = 30_000
	defaultRateWindowMs    = 60_000
	defaultRateMaxRequests = 100
	defaultRateCleanupMs   = 60_000
	defaultTLSMinVersion   = "TLSv1.3"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: defaultHost,
			Port: defaultPort,
			TLS: TLSConfig{
				MinVersion:         defaultTLSMinVersion,
				RejectUnauthorized: true,
				ACME: ACMEConfig{
					CacheDir: defaultACMECacheDir,
					HTTPPort: defaultACMEHTTPPort,
				},
			},
		},
		Auth: AuthConfig{
			APIKey: APIKeyConfig{Keys: []APIKeyEntry{}},
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				WindowMs:          defaultRateWindowMs,
				MaxRequests:       defaultRateMaxRequests,
				CleanupIntervalMs: defaultRateCleanupMs,
			},
		},
		Performance: PerformanceConfig{
			Compression:         true,
			MaxMessageBytes:     defaultMaxMessageBytes,
			WriteTimeoutMs:      defaultWriteTimeoutMs,
			HeartbeatIntervalMs: defaultHeartbeatMs,
		},
		Monitoring: MonitoringConfig{
			Metrics:   ListenerConfig{Enabled: true, Port: defaultMetricsPort},
			Dashboard: ListenerConfig{Enabled: true, Port: defaultDashboardPort},
			Logging:   LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		},
		Storage: StorageConfig{RetentionHours: defaultRetentionHours},
	}
}

// LoadFile decodes path over cfg. Keys present in the file replace the
// current values; nested sections merge and lists are replaced whole.
func LoadFile(cfg *Config, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("load config %s: unsupported config file format: %q", path, ext)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	// JSON documents are valid YAML flow mappings.
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteFile writes cfg as YAML to path, refusing to overwrite an existing
// file.
func WriteFile(cfg *Config, path string) error {
	b, err := Marshal(cfg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Addr returns the main listener address.
func (c *Config) Addr() string {
	return joinHostPort(c.Server.Host, c.Server.Port)
}

// TLSMinVersion maps the configured name to a crypto/tls constant.
func (c *Config) TLSMinVersion() uint16 {
	v, _ := parseTLSVersion(c.Server.TLS.MinVersion)
	return v
}

func parseTLSVersion(name string) (uint16, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TLSV1.2", "1.2":
		return tls.VersionTLS12, true
	case "TLSV1.3", "1.3", "":
		return tls.VersionTLS13, true
	default:
		return tls.VersionTLS13, false
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
