package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port            string
	Environment     string
	LogLevel        string
	DatabasePath    string
	KVPath          string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
	// RateLimit is the per-IP HTTP limit in ulule/limiter notation.
	RateLimit       string
	MaintenanceCron string
	TuningFile      string
	Tuning          Tuning
}

// Tuning holds the engine thresholds, windows and page sizes.
type Tuning struct {
	WarningThreshold    int           `yaml:"warning_threshold"`
	TempBanDuration     time.Duration `yaml:"temp_ban_duration"`
	MuteDuration        time.Duration `yaml:"mute_duration"`
	SpamLimit           int           `yaml:"spam_limit"`
	SpamWindow          time.Duration `yaml:"spam_window"`
	MaxMessageLength    int           `yaml:"max_message_length"`
	TypingThrottle      time.Duration `yaml:"typing_throttle"`
	TypingStaleAfter    time.Duration `yaml:"typing_stale_after"`
	UnreadCacheTTL      time.Duration `yaml:"unread_cache_ttl"`
	UnreadLookback      time.Duration `yaml:"unread_lookback"`
	MessagePageSize     int           `yaml:"message_page_size"`
	OlderPageSize       int           `yaml:"older_page_size"`
	HistoryPageSize     int           `yaml:"history_page_size"`
	ChatRefreshDebounce time.Duration `yaml:"chat_refresh_debounce"`
}

func DefaultTuning() Tuning {
	return Tuning{
		WarningThreshold:    3,
		TempBanDuration:     24 * time.Hour,
		MuteDuration:        time.Hour,
		SpamLimit:           10,
		SpamWindow:          60 * time.Second,
		MaxMessageLength:    500,
		TypingThrottle:      2 * time.Second,
		TypingStaleAfter:    5 * time.Second,
		UnreadCacheTTL:      30 * time.Second,
		UnreadLookback:      7 * 24 * time.Hour,
		MessagePageSize:     100,
		OlderPageSize:       50,
		HistoryPageSize:     50,
		ChatRefreshDebounce: 5 * time.Second,
	}
}

// Load reads configuration from the environment. GOFTOGOO_ENV_FILE names an
// optional .env file whose values apply only where the environment has none.
// TUNING_FILE names an optional YAML file overriding DefaultTuning.
func Load() (*Config, error) {
	if path := os.Getenv("GOFTOGOO_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	maxUpload, err := humanize.ParseBytes(getEnv("MAX_UPLOAD_SIZE", "10MB"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_SIZE: %w", err)
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/goftogoo.db"),
		KVPath:          getEnv("KV_PATH", "./data/state"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   int64(maxUpload),
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "mailto:push@goftogoo.local"),
		RateLimit:       getEnv("RATE_LIMIT", "300-M"),
		MaintenanceCron: getEnv("MAINTENANCE_CRON", "* * * * *"),
		TuningFile:      getEnv("TUNING_FILE", ""),
		Tuning:          DefaultTuning(),
	}

	if cfg.TuningFile != "" {
		if err := cfg.Tuning.LoadFile(cfg.TuningFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto t. Keys absent from the file
// keep their current values.
func (t *Tuning) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	return t.Validate()
}

func (t Tuning) Validate() error {
	switch {
	case t.WarningThreshold < 1:
		return fmt.Errorf("warning_threshold must be at least 1")
	case t.SpamLimit < 1 || t.SpamWindow <= 0:
		return fmt.Errorf("spam_limit and spam_window must be positive")
	case t.MaxMessageLength < 1:
		return fmt.Errorf("max_message_length must be positive")
	case t.UnreadCacheTTL < 0 || t.TypingStaleAfter <= 0 || t.TypingThrottle < 0:
		return fmt.Errorf("typing and unread durations must not be negative")
	case t.MessagePageSize < 1 || t.OlderPageSize < 1 || t.HistoryPageSize < 1:
		return fmt.Errorf("page sizes must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
