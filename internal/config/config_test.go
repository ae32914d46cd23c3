package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != 8001 {
		t.Errorf("expected default port 8001, got %d", cfg.Server.Port)
	}
	if cfg.Playbook.MaxEntries != 50 {
		t.Errorf("expected default playbook ceiling 50, got %d", cfg.Playbook.MaxEntries)
	}
	if cfg.Executor.MaxIterations != 3 || cfg.Executor.MaxDepth != 1 {
		t.Errorf("expected executor bounds 3/1, got %d/%d", cfg.Executor.MaxIterations, cfg.Executor.MaxDepth)
	}
	if cfg.Conversation.MaxMessages != 10 || cfg.Conversation.RetentionDays != 7 {
		t.Errorf("expected conversation window 10/7d, got %d/%d", cfg.Conversation.MaxMessages, cfg.Conversation.RetentionDays)
	}
	if cfg.Playbook.DBPath == "" {
		t.Error("expected derived db path")
	}
}

func TestLoadFrom_FileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
		"server": {"port": 9100, "authToken": "secret"},
		"provider": {"kind": "openai", "model": "test-model", "apiBase": "http://localhost:8000/v1"},
		"playbook": {"maxEntries": 10}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("expected auth token from file, got %q", cfg.Server.AuthToken)
	}
	if cfg.Provider.Model != "test-model" {
		t.Errorf("expected model from file, got %q", cfg.Provider.Model)
	}
	if cfg.Playbook.MaxEntries != 10 {
		t.Errorf("expected ceiling 10, got %d", cfg.Playbook.MaxEntries)
	}
	// Unset fields still default.
	if cfg.Provider.MaxTokens != 4000 {
		t.Errorf("expected default max tokens, got %d", cfg.Provider.MaxTokens)
	}
}

func TestLoadFrom_EnvOverride(t *testing.T) {
	t.Setenv("MINERD_PORT", "7777")
	t.Setenv("MINERD_MODEL", "env-model")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected env port 7777, got %d", cfg.Server.Port)
	}
	if cfg.Provider.Model != "env-model" {
		t.Errorf("expected env model, got %q", cfg.Provider.Model)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := &Config{}
	cfg.Server.Port = 9999
	cfg.Provider.Model = "saved-model"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Server.Port != 9999 || loaded.Provider.Model != "saved-model" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
