package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultAPIToken is the placeholder secret. It must be overridden in production.
const DefaultAPIToken = "changeme"

// Backend names accepted by Config.Backend.
const (
	BackendAuto   = "auto"
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQL    = "sql"
)

type Config struct {
	Port        int    `yaml:"port" toml:"port"`
	APIToken    string `yaml:"api_token" toml:"api_token"`
	DatabaseURL string `yaml:"database_url" toml:"database_url"`
	Backend     string `yaml:"backend" toml:"backend"`
	DataFile    string `yaml:"data_file" toml:"data_file"`
	BoltPath    string `yaml:"bolt_path" toml:"bolt_path"`
	GRPCAddr    string `yaml:"grpc_addr" toml:"grpc_addr"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	Raft RaftConfig `yaml:"raft" toml:"raft"`
}

// RaftConfig enables replication when Addr is set.
type RaftConfig struct {
	NodeID    string `yaml:"node_id" toml:"node_id"`
	Addr      string `yaml:"addr" toml:"addr"`
	DataDir   string `yaml:"data_dir" toml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap" toml:"bootstrap"`
	Join      string `yaml:"join" toml:"join"` // HTTP address of an existing member
}

// Enabled reports whether replication is configured.
func (r RaftConfig) Enabled() bool {
	return r.Addr != ""
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Port:      3000,
		APIToken:  DefaultAPIToken,
		Backend:   BackendAuto,
		DataFile:  "data.json",
		BoltPath:  "data.db",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig loads configuration from a YAML or TOML file if path is
// provided, then applies environment variable overrides on top. Without a
// path only defaults and the environment are used.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// applyEnvOverrides allows environment variables to override file values
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT value: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("DATA_FILE"); v != "" {
		cfg.DataFile = v
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.Raft.NodeID = v
	}
	if v := os.Getenv("RAFT_ADDR"); v != "" {
		cfg.Raft.Addr = v
	}
	if v := os.Getenv("RAFT_DATA"); v != "" {
		cfg.Raft.DataDir = v
	}
	if v := os.Getenv("RAFT_JOIN"); v != "" {
		cfg.Raft.Join = v
	}
	if v := os.Getenv("RAFT_BOOTSTRAP"); v != "" {
		bootstrap, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RAFT_BOOTSTRAP value: %w", err)
		}
		cfg.Raft.Bootstrap = bootstrap
	}
	return nil
}

// resolve fills values that depend on other settings.
func (c *Config) resolve() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" || c.Backend == BackendAuto {
		if c.DatabaseURL != "" {
			c.Backend = BackendSQL
		} else {
			c.Backend = BackendFile
		}
	}
	if c.Raft.Enabled() && c.Raft.DataDir == "" {
		c.Raft.DataDir = filepath.Join("raft", c.Raft.NodeID)
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Backend {
	case BackendFile:
		if c.DataFile == "" {
			return fmt.Errorf("data_file is required for the file backend")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("bolt_path is required for the bolt backend")
		}
	case BackendMemory, BackendSQL:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Raft.Enabled() {
		if c.Raft.NodeID == "" {
			return fmt.Errorf("NODE_ID is required when raft is enabled")
		}
		if c.Backend == BackendSQL {
			return fmt.Errorf("raft replication needs a local backend, not %q", c.Backend)
		}
	}
	return nil
}

// HTTPAddr is the listen address for the HTTP API.
func (c *Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// UsesDefaultToken reports whether the placeholder secret is still in use.
func (c *Config) UsesDefaultToken() bool {
	return c.APIToken == DefaultAPIToken
}
