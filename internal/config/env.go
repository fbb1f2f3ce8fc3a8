package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/koltyakov/gtunnel/internal/domain"
)

// ApplyEnv overlays the GTUNNEL_* and SAUCE_* environment variables on cfg.
// Empty variables are ignored.
func ApplyEnv(cfg *Config) error {
	if v := env("GTUNNEL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := env("GTUNNEL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigError{Field: "GTUNNEL_PORT", Value: v, Err: err}
		}
		cfg.Server.Port = port
	}
	if v := env("GTUNNEL_TLS_ENABLED"); v != "" {
		cfg.Server.TLS.Enabled = v == "true"
	}
	if v := env("GTUNNEL_API_KEY"); v != "" {
		cfg.Auth.APIKey = APIKeyConfig{
			Enabled: true,
			Keys:    []APIKeyEntry{{Name: "default", Key: v}},
		}
	}
	if v := env("GTUNNEL_LOG_LEVEL"); v != "" {
		cfg.Monitoring.Logging.Level = v
	}
	if v := env("GTUNNEL_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := env("SAUCE_USERNAME"); v != "" {
		cfg.SauceLabs.Compatible = true
		cfg.SauceLabs.Username = v
		cfg.SauceLabs.AccessKey = env("SAUCE_ACCESS_KEY")
		cfg.SauceLabs.TunnelID = env("SAUCE_TUNNEL_ID")
	}
	return nil
}

// LoadDotEnv exports GTUNNEL_* and SAUCE_* assignments from a .env file.
// Variables already set in the environment win. A missing file is ignored.
func LoadDotEnv(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		key, value, ok := parseEnvAssignment(line)
		if !ok {
			continue
		}
		if !strings.HasPrefix(key, "GTUNNEL_") && !strings.HasPrefix(key, "SAUCE_") {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
	return nil
}

func parseEnvAssignment(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
