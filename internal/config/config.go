package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/freewebtopdf/history-sanitizer/internal/storage"
)

// History backends
const (
	HistorySQLite = "sqlite"
	HistoryDryRun = "dryrun"
)

// Config holds all configuration for the history sanitizer service
type Config struct {
	Server struct {
		Port         int           `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
		BodyLimit    int           `env:"BODY_LIMIT" envDefault:"65536" validate:"min=1"`
	}

	Cache struct {
		MaxSize int `env:"CACHE_MAX_SIZE" envDefault:"10000" validate:"min=0"`
	}

	Storage struct {
		Backend       string        `env:"STORE_BACKEND" envDefault:"file" validate:"oneof=file sqlite redis"`
		DataDir       string        `env:"DATA_DIR" envDefault:"./data"`
		StateFile     string        `env:"STATE_FILE"`
		StateDBPath   string        `env:"STATE_DB_PATH"`
		WatchInterval time.Duration `env:"WATCH_INTERVAL" envDefault:"2s"`
	}

	Redis struct {
		Addr      string `env:"REDIS_ADDR"`
		Password  string `env:"REDIS_PASSWORD"`
		DB        int    `env:"REDIS_DB" envDefault:"0" validate:"min=0"`
		KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"history-sanitizer:"`
	}

	History struct {
		Backend     string        `env:"HISTORY_BACKEND" envDefault:"dryrun" validate:"oneof=sqlite dryrun"`
		DBPath      string        `env:"HISTORY_DB_PATH"`
		CommitDelay time.Duration `env:"COMMIT_DELAY" envDefault:"300ms"`
	}

	Security struct {
		CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:"," validate:"cors_origins"`
		RateLimitRPS   int      `env:"RATE_LIMIT_RPS" envDefault:"50" validate:"min=0"`
		RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"100" validate:"min=0"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
	}
}

// Load loads configuration from environment variables and .env files
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration using struct tags
func Validate(cfg *Config) error {
	validator := validator.New()

	if err := validator.RegisterValidation("cors_origins", validateCORSOrigins); err != nil {
		return fmt.Errorf("failed to register cors_origins validation: %w", err)
	}

	if err := validator.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

var allowedOriginSchemes = []string{"http://", "https://", "chrome-extension://", "moz-extension://"}

// validateCORSOrigins validates CORS origins format
func validateCORSOrigins(fl validator.FieldLevel) bool {
	origins := fl.Field().Interface().([]string)
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		ok := false
		for _, scheme := range allowedOriginSchemes {
			if strings.HasPrefix(origin, scheme) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// validateCustomRules performs cross-field validation
func validateCustomRules(cfg *Config) error {
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	if cfg.Server.ReadTimeout < time.Millisecond {
		return fmt.Errorf("read timeout must be at least 1ms")
	}
	if cfg.Server.WriteTimeout < time.Millisecond {
		return fmt.Errorf("write timeout must be at least 1ms")
	}
	if cfg.Storage.WatchInterval < 10*time.Millisecond {
		return fmt.Errorf("watch interval must be at least 10ms")
	}
	if cfg.History.CommitDelay < 0 {
		return fmt.Errorf("commit delay cannot be negative")
	}

	if cfg.Storage.Backend == storage.BackendRedis && cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
	}
	if cfg.History.Backend == HistorySQLite && cfg.History.DBPath == "" {
		return fmt.Errorf("HISTORY_DB_PATH is required when HISTORY_BACKEND=sqlite")
	}

	return nil
}

// EnsureDirectories creates the data directory and the parents of any
// configured state files
func (cfg *Config) EnsureDirectories() error {
	dirs := []string{cfg.Storage.DataDir}
	switch cfg.Storage.Backend {
	case storage.BackendFile:
		dirs = append(dirs, filepath.Dir(cfg.StateFilePath()))
	case storage.BackendSQLite:
		dirs = append(dirs, filepath.Dir(cfg.StateDBPath()))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("cannot create directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

// StateFilePath returns the YAML state file, defaulting into DATA_DIR
func (cfg *Config) StateFilePath() string {
	if cfg.Storage.StateFile != "" {
		return cfg.Storage.StateFile
	}
	return filepath.Join(cfg.Storage.DataDir, "state.yaml")
}

// StateDBPath returns the SQLite state database, defaulting into DATA_DIR
func (cfg *Config) StateDBPath() string {
	if cfg.Storage.StateDBPath != "" {
		return cfg.Storage.StateDBPath
	}
	return filepath.Join(cfg.Storage.DataDir, "state.db")
}

// StoreOptions returns the options for storage.Open
func (cfg *Config) StoreOptions() storage.Options {
	return storage.Options{
		Backend:       cfg.Storage.Backend,
		FilePath:      cfg.StateFilePath(),
		SQLitePath:    cfg.StateDBPath(),
		WatchInterval: cfg.Storage.WatchInterval,
		Redis: storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
	}
}

// formatValidationError formats validation errors into readable messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, e := range validationErrors {
			switch e.Tag() {
			case "required":
				messages = append(messages, fmt.Sprintf("%s is required", e.Field()))
			case "min":
				messages = append(messages, fmt.Sprintf("%s must be at least %s", e.Field(), e.Param()))
			case "max":
				messages = append(messages, fmt.Sprintf("%s must be at most %s", e.Field(), e.Param()))
			case "oneof":
				messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param()))
			case "cors_origins":
				messages = append(messages, fmt.Sprintf("%s contains invalid origin format", e.Field()))
			default:
				messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Field(), e.Tag()))
			}
		}
		return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
	}
	return err
}
