package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  backend: memory
governance:
  budget:
    unit: tokens
    daily_cap: 100000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	prev := cfgFile
	cfgFile = path
	defer func() { cfgFile = prev }()

	if err := runValidate(validateCmd, nil); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateCommandBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: redis\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	prev := cfgFile
	cfgFile = path
	defer func() { cfgFile = prev }()

	if err := runValidate(validateCmd, nil); err == nil {
		t.Error("invalid backend should fail validation")
	}
}

func TestClassifyCommandDefaults(t *testing.T) {
	prev := classifyFlags.defaults
	classifyFlags.defaults = true
	defer func() { classifyFlags.defaults = prev }()

	if err := runClassify(classifyCmd, []string{"weather", "today"}); err != nil {
		t.Errorf("classify failed: %v", err)
	}
}

func TestStatusCommandMemoryBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: memory\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	prevCfg := cfgFile
	prevGuild := statusFlags.guildID
	cfgFile = path
	statusFlags.guildID = "42"
	defer func() {
		cfgFile = prevCfg
		statusFlags.guildID = prevGuild
	}()

	if err := runStatus(statusCmd, nil); err != nil {
		t.Errorf("status failed: %v", err)
	}
}
