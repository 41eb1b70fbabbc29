package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"boardline/internal/kanban"
)

// FileName is the config file looked up in a workspace.
const FileName = "boardline.yml"

// Config models boardline.yml.
type Config struct {
	Client struct {
		// BaseURL selects remote mode; empty means the local database.
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
		OwnerID  string        `yaml:"owner_id"`
		TenantID string        `yaml:"tenant_id"`
		Token    string        `yaml:"token"`
		APIKey   string        `yaml:"api_key"`
	} `yaml:"client"`
	Server struct {
		Addr      string        `yaml:"addr"`
		BasePath  string        `yaml:"base_path"`
		JWTSecret string        `yaml:"jwt_secret"`
		DevAuth   bool          `yaml:"dev_auth"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"server"`
	Database struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Boards struct {
		Activities kanban.Board `yaml:"activities"`
		Projects   kanban.Board `yaml:"projects"`
	} `yaml:"boards"`
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("config.client.timeout must be positive")
	}
	if c.Client.BaseURL != "" && !strings.HasPrefix(c.Client.BaseURL, "http://") && !strings.HasPrefix(c.Client.BaseURL, "https://") {
		return fmt.Errorf("config.client.base_url must be an http(s) URL")
	}
	if c.Server.DevAuth && strings.TrimSpace(c.Server.JWTSecret) == "" {
		return fmt.Errorf("config.server.dev_auth requires config.server.jwt_secret")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config.logging.level: %w", err)
	}
	if err := c.Boards.Activities.Validate(); err != nil {
		return fmt.Errorf("config.boards.activities: %w", err)
	}
	if err := c.Boards.Projects.Validate(); err != nil {
		return fmt.Errorf("config.boards.projects: %w", err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Boards.Activities = kanban.DefaultActivityBoard()
	cfg.Boards.Projects = kanban.DefaultProjectBoard()
	return &cfg
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FromYAML parses config over the defaults and validates it. A board given in
// the file replaces the default board wholesale.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Boards.Activities = kanban.Board{}
	cfg.Boards.Projects = kanban.Board{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Boards.Activities.Columns) == 0 {
		cfg.Boards.Activities = kanban.DefaultActivityBoard()
	}
	if len(cfg.Boards.Projects.Columns) == 0 {
		cfg.Boards.Projects = kanban.DefaultProjectBoard()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// NewLogger builds a zap logger at the configured level: JSON for servers,
// console output otherwise.
func (c *Config) NewLogger(server bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewDevelopmentConfig()
	if server {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

const defaultTemplate = `client:
  timeout: 15s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  token_ttl: 24h

database:
  busy_timeout: 5s

logging:
  level: info
`
