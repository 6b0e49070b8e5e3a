package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Environment string `json:"environment"`
	Server      struct {
		Port       int `json:"port"`
		HealthPort int `json:"healthPort"`
	} `json:"server"`
	Store struct {
		URL string `json:"url"`
	} `json:"store"`
	MongoDB struct {
		URI      string `json:"uri"`
		Database string `json:"database"`
	} `json:"mongodb"`
	Session struct {
		Secret string `json:"secret"`
	} `json:"session"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

func Load(env string) (*Config, error) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		// Default to configs directory relative to working directory
		configDir = "configs"
	}

	filename := fmt.Sprintf("config.%s.json", env)
	configPath := filepath.Join(configDir, filename)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Environment = env
	cfg.applyDefaults()
	if cfg.Session.Secret == "" {
		return nil, fmt.Errorf("session secret is required (SESSION_SECRET)")
	}
	return &cfg, nil
}

// applyDefaults layers the well-known environment variables over the file
// and fills development defaults.
func (c *Config) applyDefaults() {
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		c.Server.Port = p
	}
	if p, err := strconv.Atoi(os.Getenv("HEALTH_PORT")); err == nil {
		c.Server.HealthPort = p
	}
	if url := os.Getenv("STORE_URL"); url != "" {
		c.Store.URL = url
	}
	if url := os.Getenv("DB_URL"); url != "" {
		c.MongoDB.URI = url
	}
	if secret := os.Getenv("SESSION_SECRET"); secret != "" {
		c.Session.Secret = secret
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.HealthPort == 0 {
		c.Server.HealthPort = 3002
	}
	if c.Store.URL == "" {
		c.Store.URL = "redis://localhost:6379"
	}
	if c.MongoDB.URI == "" {
		c.MongoDB.URI = "mongodb://localhost:27017"
	}
	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "banchess"
	}
	if len(c.AllowedOrigins) == 0 {
		if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
			c.AllowedOrigins = strings.Split(origins, ",")
		} else if c.Environment != "production" {
			c.AllowedOrigins = []string{"http://localhost:3000"}
		}
	}
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func GetEnv() string {
	env := os.Getenv("NODE_ENV")
	if env == "" {
		return "dev"
	}
	return env
}
