package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           int
	MasterSecret   string
	GinMode        string
	TLSCertFile    string
	TLSKeyFile     string
	TokenExpiry    time.Duration
	LogLevel       string
	AllowDevTokens bool

	// Inbound socket events allowed per connection.
	RelayEventsPerSecond float64
	RelayEventBurst      int
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

const defaultEnvFile = ".env"

// LoadConfig reads the process environment after loading the optional env
// file named by ENV_FILE (default .env). Variables already set win over the
// file.
func LoadConfig() (Config, error) {
	if err := LoadEnvFile(os.Getenv("ENV_FILE")); err != nil {
		return Config{}, err
	}
	return LoadConfigFromEnv(osEnv{})
}

// LoadEnvFile loads path into the environment. An empty path means the
// default file, which may be absent; an explicit path must exist.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                 3000,
		GinMode:              "release",
		TokenExpiry:          7 * 24 * time.Hour,
		LogLevel:             "info",
		RelayEventsPerSecond: 200,
		RelayEventBurst:      400,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		switch level := strings.ToLower(raw); level {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = level
		default:
			return Config{}, fmt.Errorf("invalid LOG_LEVEL %q", raw)
		}
	}

	if raw := env.Getenv("ALLOW_DEV_TOKENS"); raw != "" {
		allow, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ALLOW_DEV_TOKENS")
		}
		cfg.AllowDevTokens = allow
	}

	if raw := env.Getenv("RELAY_EVENTS_PER_SECOND"); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate <= 0 {
			return Config{}, fmt.Errorf("invalid RELAY_EVENTS_PER_SECOND")
		}
		cfg.RelayEventsPerSecond = rate
	}

	if raw := env.Getenv("RELAY_EVENT_BURST"); raw != "" {
		burst, err := strconv.Atoi(raw)
		if err != nil || burst <= 0 {
			return Config{}, fmt.Errorf("invalid RELAY_EVENT_BURST")
		}
		cfg.RelayEventBurst = burst
	}

	return cfg, nil
}
