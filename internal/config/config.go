package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingKey is returned when a required credential is absent from both
// the config file and the environment.
var ErrMissingKey = errors.New("missing required configuration key")

// Environment keys. The first four are required.
const (
	EnvBotToken      = "BOT_TOKEN"
	EnvGroupID       = "GROUP_ID"
	EnvUsername      = "IVASMS_USERNAME"
	EnvPassword      = "IVASMS_PASSWORD"
	EnvPollInterval  = "OTP_RELAY_POLL_INTERVAL"
	EnvLogLevel      = "OTP_RELAY_LOG_LEVEL"
	EnvLogFormat     = "OTP_RELAY_LOG_FORMAT"
	EnvDedupScope    = "OTP_RELAY_DEDUP_SCOPE"
	EnvRemoteURL     = "OTP_RELAY_REMOTE_URL"
	EnvHeadless      = "OTP_RELAY_HEADLESS"
	EnvQueuePath     = "OTP_RELAY_QUEUE_PATH"
	EnvPortalBaseURL = "OTP_RELAY_PORTAL_URL"
)

type Config struct {
	Portal   PortalConfig   `yaml:"portal"`
	Telegram TelegramConfig `yaml:"telegram"`
	Poll     PollConfig     `yaml:"poll"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type PortalConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// RemoteURL is the DevTools websocket of an already running Chrome.
	// Empty launches a local one.
	RemoteURL string `yaml:"remote_url"`
	Headless  *bool  `yaml:"headless"`

	LoginTimeoutSecs int `yaml:"login_timeout_seconds"`
	LoadTimeoutSecs  int `yaml:"load_timeout_seconds"`
	CollapseDelayMs  int `yaml:"collapse_delay_ms"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type DeliveryConfig struct {
	MaxAttempts             int    `yaml:"max_attempts"`
	RateLimitBackoffSeconds int    `yaml:"rate_limit_backoff_seconds"`
	SendDelayMs             int    `yaml:"send_delay_ms"`
	DedupScope              string `yaml:"dedup_scope"` // "content" or "number"
	Template                string `yaml:"template"`
}

type QueueConfig struct {
	Path               string  `yaml:"path"`
	MaxRetries         int     `yaml:"max_retries"`
	InitialBackoffSecs int     `yaml:"initial_backoff_seconds"`
	MaxBackoffSecs     int     `yaml:"max_backoff_seconds"`
	BackoffFactor      float64 `yaml:"backoff_factor"`
	BatchSize          int     `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// LoadEnvFile loads a dotenv file into the process environment. Variables
// already set are left alone. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = expandPath(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path (optional, may be empty or missing),
// applies environment overrides and defaults, then validates that every
// required key is present.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = expandPath(path)
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv(EnvGroupID); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Portal.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Portal.Password = v
	}
	if v := os.Getenv(EnvPortalBaseURL); v != "" {
		cfg.Portal.BaseURL = v
	}
	if v := os.Getenv(EnvRemoteURL); v != "" {
		cfg.Portal.RemoteURL = v
	}
	if v := os.Getenv(EnvHeadless); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Portal.Headless = &b
		}
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Poll.IntervalSeconds = n
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvDedupScope); v != "" {
		cfg.Delivery.DedupScope = v
	}
	if v := os.Getenv(EnvQueuePath); v != "" {
		cfg.Queue.Path = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Portal.BaseURL == "" {
		cfg.Portal.BaseURL = "https://www.ivasms.com"
	}
	cfg.Portal.BaseURL = strings.TrimRight(cfg.Portal.BaseURL, "/")
	if cfg.Portal.Headless == nil {
		headless := true
		cfg.Portal.Headless = &headless
	}
	if cfg.Portal.LoginTimeoutSecs == 0 {
		cfg.Portal.LoginTimeoutSecs = 20
	}
	if cfg.Portal.LoadTimeoutSecs == 0 {
		cfg.Portal.LoadTimeoutSecs = 10
	}
	if cfg.Portal.CollapseDelayMs == 0 {
		cfg.Portal.CollapseDelayMs = 500
	}

	if cfg.Poll.IntervalSeconds <= 0 {
		cfg.Poll.IntervalSeconds = 10
	}

	// Delivery defaults
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = 5
	}
	if cfg.Delivery.RateLimitBackoffSeconds == 0 {
		cfg.Delivery.RateLimitBackoffSeconds = 15
	}
	if cfg.Delivery.SendDelayMs == 0 {
		cfg.Delivery.SendDelayMs = 1000
	}
	if cfg.Delivery.DedupScope == "" {
		cfg.Delivery.DedupScope = "content"
	}

	// Queue defaults. The queue lives in memory unless a path is given.
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = ":memory:"
	} else if cfg.Queue.Path != ":memory:" {
		cfg.Queue.Path = expandPath(cfg.Queue.Path)
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 10
	}
	if cfg.Queue.InitialBackoffSecs == 0 {
		cfg.Queue.InitialBackoffSecs = 30
	}
	if cfg.Queue.MaxBackoffSecs == 0 {
		cfg.Queue.MaxBackoffSecs = 900 // 15 minutes
	}
	if cfg.Queue.BackoffFactor == 0 {
		cfg.Queue.BackoffFactor = 2.0
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Path != "" {
		cfg.Logging.Path = expandPath(cfg.Logging.Path)
	}
}

// Validate reports every missing required key, wrapped in ErrMissingKey,
// or an invalid dedup scope.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{EnvBotToken, c.Telegram.Token},
		{EnvGroupID, c.Telegram.ChatID},
		{EnvUsername, c.Portal.Username},
		{EnvPassword, c.Portal.Password},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}

	switch c.Delivery.DedupScope {
	case "content", "number":
	default:
		return fmt.Errorf("invalid dedup_scope %q (want content or number)", c.Delivery.DedupScope)
	}
	return nil
}
