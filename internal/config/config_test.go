package config

import (
	"os"
	"path/filepath"
	"testing"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(orig) })
}

func TestLoadWithNoFilesReturnsDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "ollama" {
		t.Errorf("default_provider = %q, want ollama", cfg.LLM.DefaultProvider)
	}
	if cfg.Bus.MessageQueueCapacity != 1000 {
		t.Errorf("message_queue_capacity = %d, want 1000", cfg.Bus.MessageQueueCapacity)
	}
}

func TestLoadLayersDefaultThenUserConfig(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatal(err)
	}
	defaultTOML := "[llm]\ndefault_provider = \"openai\"\nmax_tokens = 2000\n"
	if err := os.WriteFile(filepath.Join("config", "default.toml"), []byte(defaultTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	userTOML := "[llm]\ndefault_provider = \"anthropic\"\n"
	if err := os.WriteFile(filepath.Join("config", "user.toml"), []byte(userTOML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default_provider = %q, want anthropic (user.toml should win)", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.MaxTokens != 2000 {
		t.Errorf("max_tokens = %d, want 2000 (carried from default.toml)", cfg.LLM.MaxTokens)
	}
}

func TestLoadEnvVarOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join("config", "default.toml"), []byte("[llm]\ndefault_provider = \"openai\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("AI_MANAGER_LLM__DEFAULT_PROVIDER", "anthropic")
	t.Cleanup(func() { os.Unsetenv("AI_MANAGER_LLM__DEFAULT_PROVIDER") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default_provider = %q, want anthropic (env should win)", cfg.LLM.DefaultProvider)
	}
}

func TestLoadEnvVarAppliesWithNoConfigFilesPresent(t *testing.T) {
	chdir(t, t.TempDir())

	os.Setenv("AI_MANAGER_LLM__DEFAULT_PROVIDER", "anthropic")
	t.Cleanup(func() { os.Unsetenv("AI_MANAGER_LLM__DEFAULT_PROVIDER") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default_provider = %q, want anthropic (env should apply even with no config files)", cfg.LLM.DefaultProvider)
	}
	if cfg.Database.Path != "data/ai_manager.db" {
		t.Errorf("database.path = %q, want the Go-literal default to survive alongside the env override", cfg.Database.Path)
	}
}

func TestValidateRequiresDefaultProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.DefaultProvider = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when default_provider is empty")
	}
}

func TestValidatePassesForDefaultConfig(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "": true, "bogus": false}
	for in, wantOK := range cases {
		_, err := ParseLogLevel(in)
		if (err == nil) != wantOK {
			t.Errorf("ParseLogLevel(%q) err=%v, want ok=%v", in, err, wantOK)
		}
	}
}
