// Package config builds the runtime configuration once at startup. Values
// come from command-line overrides, the process environment and an optional
// .env file, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
)

// Config holds application configuration
type Config struct {
	OllamaHost    string        `env:"OLLAMA_HOST" envDefault:"0.0.0.0:11434"`
	OllamaURL     string        `env:"OLLAMA_URL"`
	SkipTLSVerify bool          `env:"TERMCHAT_SKIP_TLS_VERIFY"`
	DataDir       string        `env:"TERMCHAT_DATA_DIR"`
	Store         string        `env:"TERMCHAT_STORE" envDefault:"sqlite"`
	Model         string        `env:"TERMCHAT_MODEL" envDefault:"llama3.1"`
	KeepAlive     time.Duration `env:"TERMCHAT_KEEP_ALIVE" envDefault:"5m"`
	Telemetry     bool          `env:"TERMCHAT_TELEMETRY"`
	Debug         bool          `env:"TERMCHAT_DEBUG"`
}

// Load reads .env (if present) and the environment, merges overrides on top
// and fills derived defaults.
func Load(overrides Config, dotenv ...string) (Config, error) {
	if err := loadDotEnv(dotenv...); err != nil {
		return Config{}, err
	}

	cfg, err := newConfigBuilder().
		with(&overrides).
		withEnv().
		build()
	if err != nil {
		return Config{}, err
	}
	return *cfg, nil
}

// LogDir is where log, trace and metric files are written.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func (c *Config) applyDefaults() error {
	if c.OllamaURL == "" {
		c.OllamaURL = "http://" + c.OllamaHost
	}
	if c.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	return nil
}

func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "termchat"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "termchat"), nil
}
