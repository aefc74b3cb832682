package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate_DerivesPaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/paperfold"
	if err := Validate(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.NormalizedDir != filepath.Join("/var/lib/paperfold", "normalized") {
		t.Errorf("normalized dir = %q", cfg.NormalizedDir)
	}
	if cfg.LogPath != filepath.Join("/var/lib/paperfold", "logs", "paperfold.log") {
		t.Errorf("log path = %q", cfg.LogPath)
	}
	if cfg.ProcessedDir == "" {
		t.Error("processed dir not derived")
	}
}

func TestValidate_RejectsBadEnum(t *testing.T) {
	cfg := Default()
	cfg.OCREngine = "abbyy"
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected error for unknown ocr_engine")
	}
	if !strings.Contains(err.Error(), "ocr_engine") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg = Default()
	cfg.LogLevel = "verbose"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for unknown log_level")
	}
}

func TestValidate_RejectsBadRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero scale", func(c *Config) { c.OCRRenderScale = 0 }},
		{"low dpi", func(c *Config) { c.NormalizeDPI = 50 }},
		{"high quality", func(c *Config) { c.NormalizeQuality = 101 }},
		{"zero queue", func(c *Config) { c.QueueDepth = 0 }},
		{"zero ttl", func(c *Config) { c.TokenTTLSecs = 0 }},
		{"zero cache age", func(c *Config) { c.NormalizedCacheMaxAgeDays = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := Validate(&cfg); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidate_NormalizesHost(t *testing.T) {
	cfg := Default()
	cfg.LLMHost = "  http://llm.local:11434/  "
	if err := Validate(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.LLMHost != "http://llm.local:11434" {
		t.Errorf("llm host = %q", cfg.LLMHost)
	}

	cfg = Default()
	cfg.LLMHost = "llm.local:11434"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for scheme-less llm_host")
	}
}

func TestValidate_RequiresIntakeDir(t *testing.T) {
	cfg := Default()
	cfg.IntakeDir = "   "
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected error for empty intake_dir")
	}
	if !strings.Contains(err.Error(), "intake_dir") {
		t.Errorf("unexpected error: %v", err)
	}
}
