package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Backends.
const (
	BackendNone   = "none"
	BackendREST   = "rest"
	BackendGoogle = "google"
)

// Settings are the runtime knobs, read from TASKSYNC_* variables.
type Settings struct {
	Backend   string `env:"TASKSYNC_BACKEND" env-default:"none" env-description:"remote backend: none, rest or google"`
	RemoteURL string `env:"TASKSYNC_REMOTE_URL" env-description:"base URL of the REST service"`
	Token     string `env:"TASKSYNC_TOKEN" env-description:"bearer token for the REST service"`
	TaskList  string `env:"TASKSYNC_GOOGLE_TASKLIST" env-default:"@default" env-description:"Google task list to sync"`
	DBPath    string `env:"TASKSYNC_DB_PATH" env-description:"override the local database path"`
	LogLevel  string `env:"TASKSYNC_LOG_LEVEL" env-default:"warn"`

	Sync      SyncSettings
	Transport TransportSettings
}

// SyncSettings configure the sync engine.
type SyncSettings struct {
	Interval          time.Duration `env:"TASKSYNC_SYNC_INTERVAL" env-default:"30s"`
	BackoffBase       time.Duration `env:"TASKSYNC_BACKOFF_BASE" env-default:"1s"`
	BackoffMax        time.Duration `env:"TASKSYNC_BACKOFF_MAX" env-default:"5m"`
	BatchSize         int           `env:"TASKSYNC_BATCH_SIZE" env-default:"50"`
	MaxBatches        int           `env:"TASKSYNC_MAX_BATCHES" env-default:"20"`
	MaxAttempts       int           `env:"TASKSYNC_MAX_ATTEMPTS" env-default:"10"`
	PageSize          int           `env:"TASKSYNC_PAGE_SIZE" env-default:"100"`
	PushOnLocalChange bool          `env:"TASKSYNC_PUSH_ON_CHANGE" env-default:"true"`
}

// TransportSettings configure remote calls.
type TransportSettings struct {
	Timeout     time.Duration `env:"TASKSYNC_TIMEOUT" env-default:"15s"`
	ReadRetries int           `env:"TASKSYNC_READ_RETRIES" env-default:"2"`
	RetryDelay  time.Duration `env:"TASKSYNC_RETRY_DELAY" env-default:"500ms"`
}

// LoadSettings reads settings from the environment. Variables in envFile,
// if it exists, are loaded first without overriding the environment.
func LoadSettings(envFile string) (Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var s Settings
	if err := cleanenv.ReadEnv(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	switch s.Backend {
	case BackendNone, BackendGoogle:
	case BackendREST:
		if s.RemoteURL == "" {
			return errors.New("TASKSYNC_REMOTE_URL is required for the rest backend")
		}
	default:
		return fmt.Errorf("unknown backend: %s", s.Backend)
	}

	if s.Sync.Interval <= 0 || s.Sync.BackoffBase <= 0 || s.Sync.BackoffMax < s.Sync.BackoffBase {
		return errors.New("invalid sync intervals")
	}
	if s.Sync.BatchSize <= 0 || s.Sync.MaxBatches <= 0 || s.Sync.PageSize <= 0 {
		return errors.New("batch, page and batch-count limits must be positive")
	}
	if s.Transport.Timeout <= 0 {
		return errors.New("TASKSYNC_TIMEOUT must be positive")
	}
	return nil
}

// Usage describes the supported variables.
func Usage() string {
	text, err := cleanenv.GetDescription(&Settings{}, nil)
	if err != nil {
		return ""
	}
	return text
}

// ServerSettings configure tasksync-server.
type ServerSettings struct {
	Host            string        `env:"TASKSYNC_SERVER_HOST" env-default:"127.0.0.1"`
	Port            string        `env:"TASKSYNC_SERVER_PORT" env-default:"8080"`
	Token           string        `env:"TASKSYNC_SERVER_TOKEN" env-description:"bearer token required on every request"`
	ShutdownTimeout time.Duration `env:"TASKSYNC_SERVER_SHUTDOWN_TIMEOUT" env-default:"5s"`
	LogLevel        string        `env:"TASKSYNC_LOG_LEVEL" env-default:"info"`
	Debug           bool          `env:"TASKSYNC_SERVER_DEBUG"`
}

// LoadServerSettings reads server settings from the environment, loading
// envFile first when it exists.
func LoadServerSettings(envFile string) (ServerSettings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ServerSettings{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var s ServerSettings
	if err := cleanenv.ReadEnv(&s); err != nil {
		return ServerSettings{}, fmt.Errorf("failed to read server settings: %w", err)
	}
	if s.Port == "" {
		return ServerSettings{}, errors.New("TASKSYNC_SERVER_PORT is required")
	}
	if s.ShutdownTimeout <= 0 {
		return ServerSettings{}, errors.New("TASKSYNC_SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	return s, nil
}
