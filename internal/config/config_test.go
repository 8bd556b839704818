package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.BaseURL != defaultBaseURL {
		t.Fatalf("base_url = %q, want %q", cfg.BaseURL, defaultBaseURL)
	}
	if cfg.SaveDebounce != defaultSaveDebounce {
		t.Fatalf("save_debounce = %s, want %s", cfg.SaveDebounce, defaultSaveDebounce)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Fatalf("poll_interval = %s, want %s", cfg.PollInterval, defaultPollInterval)
	}
	if cfg.ErrorFlushDelay != defaultErrorFlushDelay {
		t.Fatalf("error_flush_delay = %s, want %s", cfg.ErrorFlushDelay, defaultErrorFlushDelay)
	}
	if cfg.VisibilityGuard != defaultVisibilityGuard {
		t.Fatalf("visibility_guard = %s, want %s", cfg.VisibilityGuard, defaultVisibilityGuard)
	}
	if cfg.ContextLines != defaultContextLines {
		t.Fatalf("context_lines = %d, want %d", cfg.ContextLines, defaultContextLines)
	}
	if cfg.ErrorLines != defaultErrorLines {
		t.Fatalf("error_lines = %d, want %d", cfg.ErrorLines, defaultErrorLines)
	}
	if cfg.RunnerLogCapacity != defaultRunnerLogCapacity {
		t.Fatalf("runner_log_capacity = %d, want %d", cfg.RunnerLogCapacity, defaultRunnerLogCapacity)
	}
	if !cfg.AutosaveEnabled {
		t.Fatal("autosave_enabled = false, want true")
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".buildsync", "config.toml"), `
base_url = "http://home:9000"
save_debounce = "2s"
context_lines = 40
	`)

	writeFile(t, filepath.Join(work, ".buildsync", "config.toml"), `
base_url = "http://project:9100"
poll_interval = "5s"
autosave_enabled = false
	`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.BaseURL != "http://project:9100" {
		t.Fatalf("base_url = %q, want project overlay", cfg.BaseURL)
	}
	if cfg.SaveDebounce != 2*time.Second {
		t.Fatalf("save_debounce = %s, want 2s from home overlay", cfg.SaveDebounce)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll_interval = %s, want 5s from project overlay", cfg.PollInterval)
	}
	if cfg.ContextLines != 40 {
		t.Fatalf("context_lines = %d, want 40 from home overlay", cfg.ContextLines)
	}
	if cfg.AutosaveEnabled {
		t.Fatal("autosave_enabled = true, want false from project overlay")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".buildsync", "config.toml"), `
save_debounce = "soon"
	`)

	chdir(t, work)

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected error for invalid save_debounce")
	} else if !strings.Contains(err.Error(), "save_debounce") {
		t.Fatalf("error = %v, want mention of save_debounce", err)
	}
}

func TestLoadRejectsNonPositiveCapacity(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".buildsync", "config.toml"), `
error_lines = 0
	`)

	chdir(t, work)

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected error for zero error_lines")
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
