// Package config holds the process configuration (env-derived, immutable
// after startup) and the small hot-reloadable JSON stores kept in the data
// directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Resume strategies for the external coding bridge. The bridge itself is
// not part of the gateway; only the knob is validated and carried.
const (
	ResumeFresh = "fresh"
	ResumeReuse = "reuse"
	ResumeFork  = "fork"
	ResumeProbe = "probe"
)

// Config is the immutable process configuration, resolved once at startup
// from the environment.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Model     ModelConfig     `json:"model"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	State     StateConfig     `json:"state"`

	// UserTimezone is an IANA zone name, used by cron and active hours.
	UserTimezone string `json:"user_timezone"`

	// CodingResumeStrategy is consumed by the external coding bridge.
	CodingResumeStrategy string `json:"coding_resume_strategy"`

	DataDir string `json:"data_dir"`
}

// GatewayConfig configures the management HTTP+WS listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelConfig names the default provider/model pair.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Ref renders the canonical "provider/model" reference.
func (m ModelConfig) Ref() string {
	return m.Provider + "/" + m.Model
}

// HeartbeatConfig configures the periodic heartbeat runner.
type HeartbeatConfig struct {
	Enabled     bool          `json:"enabled"`
	Interval    time.Duration `json:"interval"`
	ActiveStart string        `json:"active_start"` // "HH:MM", empty = always active
	ActiveEnd   string        `json:"active_end"`
	Delivery    string        `json:"delivery"` // channel target, e.g. "discord:dm:42"
}

// StateConfig configures session, world-model and archive persistence.
type StateConfig struct {
	ConversationHistory int           `json:"conversation_history"`
	WorldModelPath      string        `json:"world_model_path"`
	ArchivePath         string        `json:"archive_path"`
	ExtractionEnabled   bool          `json:"extraction_enabled"`
	ExtractionTimeout   time.Duration `json:"extraction_timeout"`
}

// Default returns the built-in configuration, rooted at ~/.attache/data.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".attache", "data")
	return &Config{
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 18790},
		Model:   ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 30 * time.Minute,
		},
		State: StateConfig{
			ConversationHistory: 10,
			WorldModelPath:      filepath.Join(dataDir, "state", "world-model.md"),
			ArchivePath:         filepath.Join(dataDir, "state", "archive.db"),
			ExtractionEnabled:   true,
			ExtractionTimeout:   5 * time.Second,
		},
		UserTimezone:         "UTC",
		CodingResumeStrategy: ResumeFresh,
		DataDir:              dataDir,
	}
}

// FromEnv resolves the configuration from defaults plus environment
// overrides. Invalid values fail loudly rather than being silently dropped.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("ATTACHE_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.State.WorldModelPath = filepath.Join(v, "state", "world-model.md")
		cfg.State.ArchivePath = filepath.Join(v, "state", "archive.db")
	}
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid GATEWAY_PORT %q", v)
		}
		cfg.Gateway.Port = p
	}
	if v := os.Getenv("DEFAULT_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.Model.Model = v
	}

	if v := os.Getenv("HEARTBEAT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_ENABLED %q", v)
		}
		cfg.Heartbeat.Enabled = b
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL_MS %q", v)
		}
		cfg.Heartbeat.Interval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("HEARTBEAT_ACTIVE_START"); v != "" {
		if err := validateClock(v); err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_ACTIVE_START: %w", err)
		}
		cfg.Heartbeat.ActiveStart = v
	}
	if v := os.Getenv("HEARTBEAT_ACTIVE_END"); v != "" {
		if err := validateClock(v); err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_ACTIVE_END: %w", err)
		}
		cfg.Heartbeat.ActiveEnd = v
	}
	if v := os.Getenv("HEARTBEAT_DELIVERY"); v != "" {
		cfg.Heartbeat.Delivery = v
	}

	if v := os.Getenv("STATE_CONVERSATION_HISTORY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid STATE_CONVERSATION_HISTORY %q", v)
		}
		cfg.State.ConversationHistory = n
	}
	if v := os.Getenv("STATE_WORLD_MODEL_PATH"); v != "" {
		cfg.State.WorldModelPath = v
	}
	if v := os.Getenv("STATE_ARCHIVE_PATH"); v != "" {
		cfg.State.ArchivePath = v
	}
	if v := os.Getenv("STATE_EXTRACTION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STATE_EXTRACTION_ENABLED %q", v)
		}
		cfg.State.ExtractionEnabled = b
	}
	if v := os.Getenv("STATE_EXTRACTION_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid STATE_EXTRACTION_TIMEOUT_MS %q", v)
		}
		cfg.State.ExtractionTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("USER_TIMEZONE"); v != "" {
		if _, err := time.LoadLocation(v); err != nil {
			return nil, fmt.Errorf("invalid USER_TIMEZONE %q: %w", v, err)
		}
		cfg.UserTimezone = v
	}

	if v := os.Getenv("CODING_RESUME_STRATEGY"); v != "" {
		switch v {
		case ResumeFresh, ResumeReuse, ResumeFork, ResumeProbe:
			cfg.CodingResumeStrategy = v
		default:
			return nil, fmt.Errorf("invalid CODING_RESUME_STRATEGY %q (want fresh, reuse, fork or probe)", v)
		}
	}

	return cfg, nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.UserTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Masked returns a copy suitable for the /api/config endpoint. The config
// itself carries no secrets; provider API keys live in the environment and
// are reported masked, by name only.
func (c *Config) Masked() map[string]any {
	secrets := map[string]string{}
	for _, name := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY", "DISCORD_BOT_TOKEN"} {
		if os.Getenv(name) != "" {
			secrets[name] = "********"
		}
	}
	return map[string]any{
		"gateway":              c.Gateway,
		"model":                c.Model,
		"heartbeat":            c.Heartbeat,
		"state":                c.State,
		"userTimezone":         c.UserTimezone,
		"codingResumeStrategy": c.CodingResumeStrategy,
		"dataDir":              c.DataDir,
		"secrets":              secrets,
	}
}

func validateClock(v string) error {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("want HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("bad minute in %q", v)
	}
	return nil
}
