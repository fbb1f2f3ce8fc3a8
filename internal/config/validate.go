package config

import (
	"errors"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/koltyakov/gtunnel/internal/domain"
)

var (
	errPortRange   = errors.New("must be between 1 and 65535")
	errPositive    = errors.New("must be greater than 0")
	errRequired    = errors.New("is required")
	errUnsupported = errors.New("is not supported")
)

// Validate reports every problem in cfg. Each one is a
// [*domain.ConfigError]; use [multierr.Errors] to list them.
func (c *Config) Validate() error {
	var err error
	add := func(field, value string, cause error) {
		err = multierr.Append(err, &domain.ConfigError{Field: field, Value: value, Err: cause})
	}
	port := func(field string, v int) {
		if v < 1 || v > 65535 {
			add(field, strconv.Itoa(v), errPortRange)
		}
	}
	positive := func(field string, v int64) {
		if v <= 0 {
			add(field, strconv.FormatInt(v, 10), errPositive)
		}
	}

	port("server.port", c.Server.Port)

	t := c.Server.TLS
	if t.Enabled {
		if t.ACME.Enabled {
			if len(t.ACME.Domains) == 0 {
				add("server.tls.acme.domains", "", errRequired)
			}
			port("server.tls.acme.httpPort", t.ACME.HTTPPort)
			if strings.TrimSpace(t.ACME.CacheDir) == "" {
				add("server.tls.acme.cacheDir", "", errRequired)
			}
		} else if strings.TrimSpace(t.Cert) == "" || strings.TrimSpace(t.Key) == "" {
			add("server.tls", "", errors.New("cert and key are required when TLS is enabled"))
		}
		if _, ok := parseTLSVersion(t.MinVersion); !ok {
			add("server.tls.minVersion", t.MinVersion, errUnsupported)
		}
	}

	if c.Auth.APIKey.Enabled {
		if len(c.Auth.APIKey.Keys) == 0 {
			add("auth.apiKey.keys", "", errors.New("at least one key is required when API keys are enabled"))
		}
		for i, k := range c.Auth.APIKey.Keys {
			if strings.TrimSpace(k.Key) == "" {
				add("auth.apiKey.keys["+strconv.Itoa(i)+"].key", "", errRequired)
			}
		}
	}

	rl := c.Security.RateLimit
	positive("security.rateLimit.windowMs", int64(rl.WindowMs))
	positive("security.rateLimit.maxRequests", int64(rl.MaxRequests))
	positive("security.rateLimit.cleanupIntervalMs", int64(rl.CleanupIntervalMs))

	p := c.Performance
	positive("performance.maxMessageBytes", p.MaxMessageBytes)
	positive("performance.writeTimeoutMs", int64(p.WriteTimeoutMs))
	positive("performance.heartbeatIntervalMs", int64(p.HeartbeatIntervalMs))

	m := c.Monitoring
	if m.Metrics.Enabled {
		port("monitoring.metrics.port", m.Metrics.Port)
	}
	if m.Dashboard.Enabled {
		port("monitoring.dashboard.port", m.Dashboard.Port)
	}
	switch strings.ToLower(m.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("monitoring.logging.level", m.Logging.Level, errUnsupported)
	}
	switch strings.ToLower(m.Logging.Format) {
	case "json", "console":
	default:
		add("monitoring.logging.format", m.Logging.Format, errUnsupported)
	}

	if c.Storage.RetentionHours < 0 {
		add("storage.retentionHours", strconv.Itoa(c.Storage.RetentionHours), errors.New("must not be negative"))
	}
	return err
}
