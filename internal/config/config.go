// Package config loads server configuration from a YAML file and NOVA_*
// environment variables. Environment values win over file values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration tree.
type Config struct {
	Server   Server   `mapstructure:"server" yaml:"server"`
	LLM      LLM      `mapstructure:"llm" yaml:"llm"`
	Storage  Storage  `mapstructure:"storage" yaml:"storage"`
	Memory   Memory   `mapstructure:"memory" yaml:"memory"`
	Executor Executor `mapstructure:"executor" yaml:"executor"`
	Log      Log      `mapstructure:"log" yaml:"log"`
	Tracing  Tracing  `mapstructure:"tracing" yaml:"tracing"`
}

type Server struct {
	Addr         string   `mapstructure:"addr" yaml:"addr"`
	AuthToken    string   `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
	AllowOrigins []string `mapstructure:"allow_origins" yaml:"allow_origins"`
}

type LLM struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	EmbedModel  string        `mapstructure:"embed_model" yaml:"embed_model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Deadline    time.Duration `mapstructure:"deadline" yaml:"deadline"`
}

type Storage struct {
	// Driver selects the backing stores: "memory" or "postgres".
	Driver      string `mapstructure:"driver" yaml:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"-"`
	// DataDir holds the durable log and the vector index.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

type Memory struct {
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	LTMThreshold   float64       `mapstructure:"ltm_threshold" yaml:"ltm_threshold"`
	RollupInterval int           `mapstructure:"rollup_interval" yaml:"rollup_interval"`
}

type Executor struct {
	MaxTurns           int `mapstructure:"max_turns" yaml:"max_turns"`
	MaxHistoryMessages int `mapstructure:"max_history_messages" yaml:"max_history_messages"`
	HistoryTokenBudget int `mapstructure:"history_token_budget" yaml:"history_token_budget"`
}

type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

type Tracing struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// Load reads the configuration. path may be empty, in which case nova.yaml is
// searched in the working directory and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("nova")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embed_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.deadline", "60s")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("memory.cache_size", 200)
	v.SetDefault("memory.cache_ttl", "1h")
	v.SetDefault("memory.ltm_threshold", 0.65)
	v.SetDefault("memory.rollup_interval", 10)

	v.SetDefault("executor.max_turns", 10)
	v.SetDefault("executor.max_history_messages", 20)
	v.SetDefault("executor.history_token_budget", 8000)

	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.enabled", false)
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required with the postgres driver")
	}
	if c.Memory.RollupInterval < 5 || c.Memory.RollupInterval > 15 {
		return fmt.Errorf("memory.rollup_interval must be between 5 and 15, got %d", c.Memory.RollupInterval)
	}
	return nil
}

// Dump renders the configuration as YAML with secrets elided.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
