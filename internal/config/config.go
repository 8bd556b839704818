package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultBaseURL           = "http://localhost:8700"
	defaultSaveDebounce      = 1500 * time.Millisecond
	defaultPollInterval      = 3 * time.Second
	defaultErrorFlushDelay   = 1200 * time.Millisecond
	defaultVisibilityGuard   = 500 * time.Millisecond
	defaultRequestTimeout    = 30 * time.Second
	defaultContextLines      = 30
	defaultErrorLines        = 50
	defaultRunnerLogCapacity = 100
	defaultAutosaveEnabled   = true
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	BaseURL           string
	SaveDebounce      time.Duration
	PollInterval      time.Duration
	ErrorFlushDelay   time.Duration
	VisibilityGuard   time.Duration
	RequestTimeout    time.Duration
	ContextLines      int
	ErrorLines        int
	RunnerLogCapacity int
	AutosaveEnabled   bool
}

type fileConfig struct {
	BaseURL           *string `toml:"base_url"`
	SaveDebounce      *string `toml:"save_debounce"`
	PollInterval      *string `toml:"poll_interval"`
	ErrorFlushDelay   *string `toml:"error_flush_delay"`
	VisibilityGuard   *string `toml:"visibility_guard"`
	RequestTimeout    *string `toml:"request_timeout"`
	ContextLines      *int    `toml:"context_lines"`
	ErrorLines        *int    `toml:"error_lines"`
	RunnerLogCapacity *int    `toml:"runner_log_capacity"`
	AutosaveEnabled   *bool   `toml:"autosave_enabled"`
}

// Load reads config from ~/.buildsync/config.toml and overlays a project-local .buildsync/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".buildsync", "config.toml"),
		filepath.Join(workingDir, ".buildsync", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration values.
func Defaults() Config {
	return Config{
		BaseURL:           defaultBaseURL,
		SaveDebounce:      defaultSaveDebounce,
		PollInterval:      defaultPollInterval,
		ErrorFlushDelay:   defaultErrorFlushDelay,
		VisibilityGuard:   defaultVisibilityGuard,
		RequestTimeout:    defaultRequestTimeout,
		ContextLines:      defaultContextLines,
		ErrorLines:        defaultErrorLines,
		RunnerLogCapacity: defaultRunnerLogCapacity,
		AutosaveEnabled:   defaultAutosaveEnabled,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded); err != nil {
		return fmt.Errorf("apply config overrides from %q: %w", path, err)
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) error {
	if decoded.BaseURL != nil {
		baseURL := strings.TrimSpace(*decoded.BaseURL)
		if baseURL == "" {
			return errors.New("base_url must not be empty")
		}
		cfg.BaseURL = baseURL
	}
	if decoded.ContextLines != nil {
		if *decoded.ContextLines <= 0 {
			return errors.New("context_lines must be positive")
		}
		cfg.ContextLines = *decoded.ContextLines
	}
	if decoded.ErrorLines != nil {
		if *decoded.ErrorLines <= 0 {
			return errors.New("error_lines must be positive")
		}
		cfg.ErrorLines = *decoded.ErrorLines
	}
	if decoded.RunnerLogCapacity != nil {
		if *decoded.RunnerLogCapacity <= 0 {
			return errors.New("runner_log_capacity must be positive")
		}
		cfg.RunnerLogCapacity = *decoded.RunnerLogCapacity
	}
	if decoded.AutosaveEnabled != nil {
		cfg.AutosaveEnabled = *decoded.AutosaveEnabled
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		name  string
		raw   *string
		field *time.Duration
	}{
		{"save_debounce", decoded.SaveDebounce, &cfg.SaveDebounce},
		{"poll_interval", decoded.PollInterval, &cfg.PollInterval},
		{"error_flush_delay", decoded.ErrorFlushDelay, &cfg.ErrorFlushDelay},
		{"visibility_guard", decoded.VisibilityGuard, &cfg.VisibilityGuard},
		{"request_timeout", decoded.RequestTimeout, &cfg.RequestTimeout},
	}

	for _, override := range overrides {
		if override.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*override.raw))
		if err != nil {
			return fmt.Errorf("parse %s in %q: %w", override.name, path, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s in %q must be positive", override.name, path)
		}
		*override.field = parsed
	}

	return nil
}
