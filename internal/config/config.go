package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Notify    NotifyConfig     `json:"notify"`
	Routing   RoutingConfig    `json:"routing"`
	Learning  LearningConfig   `json:"learning"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	RedisStream string              `json:"redis_stream"`
	History     int                 `json:"history"`
	Slack       SlackNotifyConfig   `json:"slack"`
	Discord     DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type RoutingConfig struct {
	MaxAgents        int      `json:"max_agents"`
	HierarchyCap     int      `json:"hierarchy_cap"`
	ProviderID       string   `json:"provider_id"`
	Model            string   `json:"model"`
	ReasoningTimeout Duration `json:"reasoning_timeout"`
}

// LearningConfig overrides the learning scheduler's tuning. Zero values keep
// the built-in defaults.
type LearningConfig struct {
	BatchSize       int            `json:"batch_size"`
	MaxBatchSize    int            `json:"max_batch_size"`
	Workers         int            `json:"workers"`
	Seed            uint64         `json:"seed"`
	Interval        Duration       `json:"interval"` // 0 disables the clock trigger
	TriggerStream   string         `json:"trigger_stream"`
	VelocityFloor   float64        `json:"velocity_floor"`
	KnowledgeMemory float64        `json:"knowledge_memory_threshold"`
	HighImpact      float64        `json:"high_impact_threshold"`
	BaseIntensity   *BaseIntensity `json:"base_intensity,omitempty"`
}

type BaseIntensity struct {
	Idle       float64 `json:"idle"`
	Active     float64 `json:"active"`
	Processing float64 `json:"processing"`
	Dormant    float64 `json:"dormant"`
}

// Duration is a time.Duration read from a Go duration string ("30s") or a
// number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		if x == "" {
			d.Duration = 0
			return nil
		}
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		d.Duration = p
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("duration: unexpected %s", b)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "development"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Notify.History == 0 {
		c.Notify.History = 200
	}
	if c.Routing.MaxAgents == 0 {
		c.Routing.MaxAgents = 3
	}
	if c.Routing.HierarchyCap == 0 {
		c.Routing.HierarchyCap = 5
	}
	if c.Routing.ReasoningTimeout.Duration == 0 {
		c.Routing.ReasoningTimeout.Duration = 10 * time.Second
	}
}
