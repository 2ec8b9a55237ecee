package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/jreplay/internal/playback"
)

const appName = "jreplay"

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	API      APIConfig
	Share    ShareConfig
	Export   ExportConfig
	Playback PlaybackConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// APIConfig holds the bearer token. It is never written to the config file.
type APIConfig struct {
	Token string
}

type ShareConfig struct {
	BaseURL string
}

// ExportConfig.Dir defaults to an "exports" directory under the data dir.
type ExportConfig struct {
	Dir      string
	MaxBytes int
}

type PlaybackConfig struct {
	TickMs int
	Speed  string
}

type WorkerConfig struct {
	PollInterval string
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100, MaxConns: 64},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Log:      LogConfig{Level: "info"},
		Share:    ShareConfig{BaseURL: "http://localhost:4100"},
		Export:   ExportConfig{MaxBytes: 10 << 20},
		Playback: PlaybackConfig{TickMs: 50, Speed: "1x"},
		Worker:   WorkerConfig{PollInterval: "500ms"},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// Load reads the config file, applies environment overrides and resolves the
// API token.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = filepath.Join(cfg.Storage.DataDir, "exports")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	token, err := GetAPIToken(secrets)
	if err != nil {
		return Config{}, err
	}
	cfg.API.Token = token
	return cfg, nil
}

// Validate rejects values the server could not start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns: must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Playback.TickMs <= 0 {
		return fmt.Errorf("playback.tick_ms: must be positive")
	}
	if _, err := c.PlaybackSpeed(); err != nil {
		return err
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if c.Export.MaxBytes < 0 {
		return fmt.Errorf("export.max_bytes: must not be negative")
	}
	return nil
}

func (c Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level: unknown level %q", c.Log.Level)
}

func (c Config) PlaybackSpeed() (playback.Speed, error) {
	s, err := playback.ParseSpeed(c.Playback.Speed)
	if err != nil {
		return 0, fmt.Errorf("playback.speed: %w", err)
	}
	return s, nil
}

func (c Config) Tick() time.Duration {
	return time.Duration(c.Playback.TickMs) * time.Millisecond
}

func (c Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Worker.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("worker.poll_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("worker.poll_interval: must be positive")
	}
	return d, nil
}
