// ABOUTME: Configuration loading and parsing for richatz
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete richatz configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	AI          AIConfig          `yaml:"ai" toml:"ai"`
	Weather     WeatherConfig     `yaml:"weather" toml:"weather"`
	Search      SearchConfig      `yaml:"search" toml:"search"`
	Assistant   AssistantConfig   `yaml:"assistant" toml:"assistant"`
	Mail        MailConfig        `yaml:"mail" toml:"mail"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig selects the backend. Path is used for sqlite, DSN for postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`
	OTPTTL    time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
	OTPTTLRaw   string `yaml:"otp_ttl" toml:"otp_ttl"`
}

// AIConfig configures the conversational model. Any OpenAI-compatible
// endpoint works, including Gemini's compatibility endpoint.
type AIConfig struct {
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Model   string        `yaml:"model" toml:"model"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// WeatherConfig configures the weather lookup provider
type WeatherConfig struct {
	APIKey          string        `yaml:"api_key" toml:"api_key"`
	BaseURL         string        `yaml:"base_url" toml:"base_url"`
	DefaultLocation string        `yaml:"default_location" toml:"default_location"`
	Timeout         time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// SearchConfig configures the web search provider
type SearchConfig struct {
	APIKey   string        `yaml:"api_key" toml:"api_key"`
	EngineID string        `yaml:"engine_id" toml:"engine_id"`
	BaseURL  string        `yaml:"base_url" toml:"base_url"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AssistantConfig holds per-deployment constants for answer resolution
type AssistantConfig struct {
	HistoryWindow      int      `yaml:"history_window" toml:"history_window"`
	MemoryWindow       int      `yaml:"memory_window" toml:"memory_window"`
	PlaceholderTitle   string   `yaml:"placeholder_title" toml:"placeholder_title"`
	TitleMaxLength     int      `yaml:"title_max_length" toml:"title_max_length"`
	LocationExtraction string   `yaml:"location_extraction" toml:"location_extraction"` // "pattern" or "model"
	WeatherKeywords    []string `yaml:"weather_keywords" toml:"weather_keywords"`
	SearchPrefixes     []string `yaml:"search_prefixes" toml:"search_prefixes"`
	BriefingPrompt     string   `yaml:"briefing_prompt" toml:"briefing_prompt"`
	BriefingReply      string   `yaml:"briefing_reply" toml:"briefing_reply"`
}

// MailConfig holds SMTP settings. An empty host logs mail instead of sending it.
type MailConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
}

// IdempotencyConfig bounds the ask replay cache
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default briefing pair sent ahead of every conversational request.
const (
	DefaultBriefingPrompt = `MAIN RULES AND IDENTITY:
1. Your name is Richatz.AI, created by an Indonesian developer named 'R.AI'. Your version is 1.0 SPRO.
2. When asked about your identity, answer according to rule 1. Never answer "I am a large language model".
3. You do NOT have real-time internet access. If asked about current news or weather, honestly say you don't know. DO NOT GUESS.
4. Very important: whenever you give example code, always use Markdown code blocks.`
	DefaultBriefingReply = "Understood. My name is Richatz.AI v1.0 SPRO."
)

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config (or in the working directory) is loaded first,
// without overriding variables already set. Environment variables in the format
// ${VAR_NAME} are expanded. Files ending in .toml are parsed as TOML, everything
// else as YAML.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads .env files if present. Missing files are not an error.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.OTPTTL == 0 {
		c.Auth.OTPTTL = 10 * time.Minute
	}

	if c.AI.Model == "" {
		c.AI.Model = "gemini-1.5-flash"
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 60 * time.Second
	}

	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	if c.Weather.DefaultLocation == "" {
		c.Weather.DefaultLocation = "Jakarta"
	}
	if c.Weather.Timeout == 0 {
		c.Weather.Timeout = 10 * time.Second
	}

	if c.Search.BaseURL == "" {
		c.Search.BaseURL = "https://www.googleapis.com/customsearch/v1"
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 10 * time.Second
	}

	a := &c.Assistant
	if a.HistoryWindow <= 0 {
		a.HistoryWindow = 6
	}
	if a.MemoryWindow <= 0 {
		a.MemoryWindow = 2
	}
	if a.PlaceholderTitle == "" {
		a.PlaceholderTitle = "New Conversation"
	}
	if a.TitleMaxLength <= 0 {
		a.TitleMaxLength = 50
	}
	if a.LocationExtraction == "" {
		a.LocationExtraction = "pattern"
	}
	if len(a.WeatherKeywords) == 0 {
		a.WeatherKeywords = []string{"weather", "cuaca", "forecast", "temperature", "suhu"}
	}
	if len(a.SearchPrefixes) == 0 {
		a.SearchPrefixes = []string{"who", "what is", "when", "president", "news", "siapa", "apa itu", "kapan", "presiden", "berita"}
	}
	if a.BriefingPrompt == "" {
		a.BriefingPrompt = DefaultBriefingPrompt
	}
	if a.BriefingReply == "" {
		a.BriefingReply = DefaultBriefingReply
	}

	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}

	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 10 * time.Minute
	}
	if c.Idempotency.MaxEntries <= 0 {
		c.Idempotency.MaxEntries = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	switch c.Assistant.LocationExtraction {
	case "pattern", "model":
	default:
		return fmt.Errorf("assistant.location_extraction must be pattern or model, got %q", c.Assistant.LocationExtraction)
	}

	if c.Assistant.MemoryWindow > c.Assistant.HistoryWindow {
		return errors.New("assistant.memory_window must not exceed assistant.history_window")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.otp_ttl", cfg.Auth.OTPTTLRaw, &cfg.Auth.OTPTTL},
		{"ai.timeout", cfg.AI.TimeoutRaw, &cfg.AI.Timeout},
		{"weather.timeout", cfg.Weather.TimeoutRaw, &cfg.Weather.Timeout},
		{"search.timeout", cfg.Search.TimeoutRaw, &cfg.Search.Timeout},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
