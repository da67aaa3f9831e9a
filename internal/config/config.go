// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCPort       string
	AllowedOrigin  string
	DBPath         string
	PlayerIdentity string
	LogLevel       string

	RateLimit RateLimitConfig
	DeathRoll DeathRollConfig

	HistoryRetention   time.Duration
	FeedQueueSize      int
	ChatLinesPerSecond float64
	ChatLineBurst      int
	TriggerWorkers     int
}

// RateLimitConfig configures the action rate limiter.
type RateLimitConfig struct {
	Window       time.Duration
	Grace        time.Duration
	Escalation   []time.Duration
	StrikePolicy ratelimit.StrikePolicy
	Caps         map[domain.ActionCategory]int
	// File optionally points at a YAML file whose values override the environment.
	File string
}

// DeathRollConfig configures session expiry and what happens when the local player loses.
type DeathRollConfig struct {
	SessionTTL    time.Duration
	SweepInterval time.Duration
	// LossAction is CategoryUnknown when losing triggers nothing.
	LossAction domain.ActionCategory
	LossDetail string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	policy, err := ratelimit.ParseStrikePolicy(getEnv("RATE_LIMIT_STRIKE_POLICY", ""))
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_STRIKE_POLICY: %w", err)
	}

	lossAction := domain.CategoryUnknown
	if name := strings.TrimSpace(getEnv("DEATHROLL_LOSS_ACTION", "")); name != "" {
		lossAction, err = domain.ParseActionCategory(name)
		if err != nil {
			return nil, fmt.Errorf("DEATHROLL_LOSS_ACTION: %w", err)
		}
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCPort:       getEnv("GRPC_PORT", "9090"),
		AllowedOrigin:  getEnv("ALLOWED_ORIGIN", ""),
		DBPath:         getEnv("DB_PATH", "./data/gagsync.db"),
		PlayerIdentity: getEnv("PLAYER_IDENTITY", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RateLimit: RateLimitConfig{
			Window:       getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Grace:        getEnvDuration("RATE_LIMIT_GRACE", ratelimit.DefaultGracePeriod),
			Escalation:   ratelimit.DefaultEscalation(),
			StrikePolicy: policy,
			Caps: map[domain.ActionCategory]int{
				domain.CategoryGag:         getEnvInt("RATE_LIMIT_CAP_GAG", 5),
				domain.CategoryRestriction: getEnvInt("RATE_LIMIT_CAP_RESTRICTION", 5),
				domain.CategoryRestraint:   getEnvInt("RATE_LIMIT_CAP_RESTRAINT", 3),
				domain.CategoryTrigger:     getEnvInt("RATE_LIMIT_CAP_TRIGGER", 10),
			},
			File: getEnv("RATE_LIMIT_FILE", ""),
		},
		DeathRoll: DeathRollConfig{
			SessionTTL:    getEnvDuration("DEATHROLL_SESSION_TTL", 10*time.Minute),
			SweepInterval: getEnvDuration("DEATHROLL_SWEEP_INTERVAL", time.Minute),
			LossAction:    lossAction,
			LossDetail:    getEnv("DEATHROLL_LOSS_DETAIL", ""),
		},
		HistoryRetention:   getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),
		FeedQueueSize:      getEnvInt("FEED_QUEUE_SIZE", 256),
		ChatLinesPerSecond: getEnvFloat("CHAT_LINES_PER_SECOND", 5),
		ChatLineBurst:      getEnvInt("CHAT_LINE_BURST", 10),
		TriggerWorkers:     getEnvInt("TRIGGER_WORKERS", 4),
	}

	if cfg.RateLimit.File != "" {
		if err := cfg.RateLimit.LoadFile(cfg.RateLimit.File); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return errors.New("GRPC_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.FeedQueueSize <= 0 {
		return errors.New("FEED_QUEUE_SIZE must be > 0")
	}
	if c.ChatLinesPerSecond <= 0 || c.ChatLineBurst <= 0 {
		return errors.New("CHAT_LINES_PER_SECOND and CHAT_LINE_BURST must be > 0")
	}
	if c.TriggerWorkers <= 0 {
		return errors.New("TRIGGER_WORKERS must be > 0")
	}
	if c.DeathRoll.SessionTTL < 0 || c.HistoryRetention < 0 {
		return errors.New("DEATHROLL_SESSION_TTL and HISTORY_RETENTION cannot be negative")
	}
	if c.DeathRoll.SweepInterval <= 0 {
		return errors.New("DEATHROLL_SWEEP_INTERVAL must be > 0")
	}
	return c.RateLimit.Validate()
}

// Validate checks the limiter settings.
func (r *RateLimitConfig) Validate() error {
	if r.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if r.Grace < 0 {
		return errors.New("RATE_LIMIT_GRACE cannot be negative")
	}
	if len(r.Escalation) == 0 {
		return errors.New("rate limit escalation cannot be empty")
	}
	for i, d := range r.Escalation {
		if d <= 0 {
			return fmt.Errorf("escalation step %d must be > 0", i)
		}
		if i > 0 && d <= r.Escalation[i-1] {
			return fmt.Errorf("escalation step %d (%s) must be longer than step %d (%s)", i, d, i-1, r.Escalation[i-1])
		}
	}
	configured := 0
	for category, n := range r.Caps {
		if n < 0 {
			return fmt.Errorf("cap for %s cannot be negative", category)
		}
		if n > 0 {
			configured++
		}
	}
	if configured == 0 {
		return errors.New("at least one action category needs a positive cap")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

// limitsFile is the YAML form of RateLimitConfig. Durations use time.ParseDuration syntax.
type limitsFile struct {
	Window       string         `yaml:"window"`
	Grace        *string        `yaml:"grace"`
	Escalation   []string       `yaml:"escalation"`
	StrikePolicy string         `yaml:"strike_policy"`
	Caps         map[string]int `yaml:"caps"`
}

// LoadFile overrides r with the values present in the YAML file at path.
func (r *RateLimitConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}

	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse limits file %s: %w", path, err)
	}

	if f.Window != "" {
		if r.Window, err = time.ParseDuration(f.Window); err != nil {
			return fmt.Errorf("limits file window: %w", err)
		}
	}
	if f.Grace != nil {
		if r.Grace, err = time.ParseDuration(*f.Grace); err != nil {
			return fmt.Errorf("limits file grace: %w", err)
		}
	}
	if len(f.Escalation) > 0 {
		steps := make([]time.Duration, 0, len(f.Escalation))
		for _, s := range f.Escalation {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("limits file escalation: %w", err)
			}
			steps = append(steps, d)
		}
		r.Escalation = steps
	}
	if f.StrikePolicy != "" {
		if r.StrikePolicy, err = ratelimit.ParseStrikePolicy(f.StrikePolicy); err != nil {
			return fmt.Errorf("limits file strike_policy: %w", err)
		}
	}
	if len(f.Caps) > 0 && r.Caps == nil {
		r.Caps = make(map[domain.ActionCategory]int, len(f.Caps))
	}
	for name, n := range f.Caps {
		category, err := domain.ParseActionCategory(name)
		if err != nil {
			return fmt.Errorf("limits file caps: %w", err)
		}
		r.Caps[category] = n
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
