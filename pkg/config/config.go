// Package config loads broker configuration from the environment and holds
// the process-wide scheduling preferences.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the environment-derived broker configuration.
type Config struct {
	JWTSecret        string
	DatabaseRootPath string
	AgentAPIKeys     []string
	ClientAPIKeys    []string
	Host             string
	Port             int
	ManagementToken  string
}

// FromEnv builds the configuration from environment variables, applying
// defaults where unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		JWTSecret:        getenv("JWT_SECRET", "default_jwt_secret_change_in_production"),
		DatabaseRootPath: getenv("DATABASE_ROOT_PATH", "./data"),
		AgentAPIKeys:     splitKeys(os.Getenv("AGENT_API_KEYS")),
		ClientAPIKeys:    splitKeys(os.Getenv("CLIENT_API_KEYS")),
		Host:             getenv("HOST", "0.0.0.0"),
		ManagementToken:  os.Getenv("MANAGEMENT_TOKEN"),
	}

	port := getenv("PORT", "3069")
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
	}
	cfg.Port = p

	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitKeys parses a colon-separated key list, dropping empty entries.
func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ":") {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
