package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Agent.MaxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", cfg.Agent.MaxTokens, DefaultMaxTokens)
	}
	if cfg.Window.Size != DefaultWindowSize {
		t.Errorf("window size = %d, want %d", cfg.Window.Size, DefaultWindowSize)
	}
	if cfg.Window.CapMultiple != DefaultWindowCapMultiple {
		t.Errorf("capMultiple = %d, want %d", cfg.Window.CapMultiple, DefaultWindowCapMultiple)
	}
	if cfg.Admin.Host != DefaultHost {
		t.Errorf("host = %q, want %q", cfg.Admin.Host, DefaultHost)
	}
	if cfg.Admin.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Admin.Port, DefaultPort)
	}
	if cfg.Memory.DedupThreshold != DefaultDedupThreshold {
		t.Errorf("dedupThreshold = %v, want %v", cfg.Memory.DedupThreshold, DefaultDedupThreshold)
	}
	if !cfg.Memory.Enabled {
		t.Error("memory should be enabled by default")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HEARTH_API_KEY", "test-key")
	t.Setenv("HEARTH_MODEL", "gpt-4o-mini")
	t.Setenv("HEARTH_WINDOW_SIZE", "12")
	t.Setenv("HEARTH_MEMORY_ENABLED", "false")
	t.Setenv("HEARTH_MEMORY_API_KEY", "mem-key")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "test-key" {
		t.Errorf("apiKey = %q, want test-key", cfg.Provider.APIKey)
	}
	if cfg.Agent.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", cfg.Agent.Model)
	}
	if cfg.Window.Size != 12 {
		t.Errorf("window size = %d, want 12", cfg.Window.Size)
	}
	if cfg.Memory.Enabled {
		t.Error("memory should be disabled via env")
	}
	if cfg.Memory.Provider == nil || cfg.Memory.Provider.APIKey != "mem-key" {
		t.Errorf("memory provider apiKey not applied: %+v", cfg.Memory.Provider)
	}
	if cfg.Memory.DBPath == "" {
		t.Error("dbPath should default to a non-empty path")
	}
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	cfg.Window.Size = 20
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Provider.APIKey != "saved-key" {
		t.Errorf("apiKey = %q, want saved-key", loaded.Provider.APIKey)
	}
	if loaded.Window.Size != 20 {
		t.Errorf("window size = %d, want 20", loaded.Window.Size)
	}
}

func TestLoadGuidelineDefault(t *testing.T) {
	g, err := LoadGuideline("")
	if err != nil {
		t.Fatalf("LoadGuideline error: %v", err)
	}
	if g.Version != 1 || g.Text == "" {
		t.Fatalf("unexpected default guideline: version=%d", g.Version)
	}

	missing := filepath.Join(t.TempDir(), "absent.yaml")
	g, err = LoadGuideline(missing)
	if err != nil {
		t.Fatalf("LoadGuideline missing file error: %v", err)
	}
	if g.Text != DefaultGuidelineText {
		t.Error("missing file should yield default guideline")
	}
}

func TestLoadGuidelineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guidelines.yaml")
	content := "version: 3\ntext: |\n  Store birthdays.\n  Skip greetings.\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write guideline file: %v", err)
	}

	g, err := LoadGuideline(path)
	if err != nil {
		t.Fatalf("LoadGuideline error: %v", err)
	}
	if g.Version != 3 {
		t.Errorf("version = %d, want 3", g.Version)
	}
	if g.Text == "" {
		t.Error("text should not be empty")
	}
}

func TestLoadGuidelineRejectsEmptyText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guidelines.yaml")
	if err := os.WriteFile(path, []byte("version: 2\ntext: \"\"\n"), 0644); err != nil {
		t.Fatalf("write guideline file: %v", err)
	}
	if _, err := LoadGuideline(path); err == nil {
		t.Fatal("expected error for empty guideline text")
	}
}
