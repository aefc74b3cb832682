package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestPrecedence_FlagsOverrideEnv verifies flags > env > file > defaults.
func TestPrecedence_FlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "paperfold.toml")
	tomlContent := "listen_addr = \"0.0.0.0:9999\"\nllm_model = \"from-file\"\n"
	if err := os.WriteFile(configPath, []byte(tomlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	os.Setenv("PAPERFOLD_LISTEN_ADDR", "0.0.0.0:7777")
	defer os.Unsetenv("PAPERFOLD_LISTEN_ADDR")

	listenOverride := "127.0.0.1:8888"
	cfg, err := Load(Options{
		ConfigPath: configPath,
		Overrides:  &Overrides{ListenAddr: &listenOverride},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:8888" {
		t.Errorf("expected listen addr from overrides 127.0.0.1:8888, got %q", cfg.ListenAddr)
	}
	if cfg.LLMModel != "from-file" {
		t.Errorf("expected llm_model from file, got %q", cfg.LLMModel)
	}
}

// TestPrecedence_EnvOverridesFile verifies env overrides file when no CLI
// overrides are supplied.
func TestPrecedence_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "paperfold.toml")
	tomlContent := "llm_model = \"from-file\"\nintake_dir = \"./docs\"\n"
	if err := os.WriteFile(configPath, []byte(tomlContent), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Setenv("PAPERFOLD_LLM_MODEL", "from-env")
	defer os.Unsetenv("PAPERFOLD_LLM_MODEL")

	cfg, err := Load(Options{ConfigPath: configPath})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLMModel != "from-env" {
		t.Errorf("expected llm_model from env, got %q", cfg.LLMModel)
	}
	if cfg.IntakeDir != "./docs" {
		t.Errorf("expected intake_dir from file, got %q", cfg.IntakeDir)
	}
}

// TestLoad_AbsentFileKeepsDefaults loads without a config file on disk.
func TestLoad_AbsentFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(Options{RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.ListenAddr != def.ListenAddr {
		t.Errorf("listen addr = %q, want default %q", cfg.ListenAddr, def.ListenAddr)
	}
	if cfg.LLMModel != def.LLMModel {
		t.Errorf("llm_model = %q, want default %q", cfg.LLMModel, def.LLMModel)
	}
}

// TestLoad_ExplicitMissingFileFails requires explicitly named files to exist.
func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(Options{ConfigPath: filepath.Join(t.TempDir(), "nope.toml")})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestLoad_MalformedEnvIgnored keeps defaults when env values do not parse.
func TestLoad_MalformedEnvIgnored(t *testing.T) {
	os.Setenv("PAPERFOLD_WORKER_COUNT", "not-a-number")
	os.Setenv("PAPERFOLD_FAST_TEST_MODE", "maybe")
	defer os.Unsetenv("PAPERFOLD_WORKER_COUNT")
	defer os.Unsetenv("PAPERFOLD_FAST_TEST_MODE")

	cfg, err := Load(Options{RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerCount != 0 {
		t.Errorf("worker count = %d, want default 0", cfg.WorkerCount)
	}
	if cfg.FastTestMode {
		t.Error("fast_test_mode should stay false on malformed env")
	}
}

// TestLoad_AllowedOriginsFromEnv splits the comma list and trims blanks.
func TestLoad_AllowedOriginsFromEnv(t *testing.T) {
	os.Setenv("PAPERFOLD_ALLOWED_ORIGINS", "http://a.local, http://b.local ,")
	defer os.Unsetenv("PAPERFOLD_ALLOWED_ORIGINS")

	cfg, err := Load(Options{RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"http://a.local", "http://b.local"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("origins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("origins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

// TestSnapshot_RoundTrips verifies the snapshot parses back with the same
// effective values.
func TestSnapshot_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.LLMModel = "mistral-nemo"
	cfg.AllowedOrigins = []string{"http://ui.local"}
	if err := Validate(&cfg); err != nil {
		t.Fatal(err)
	}

	snap, err := Snapshot(cfg)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "paperfold.toml")
	if err := os.WriteFile(path, []byte(snap), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(Options{ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LLMModel != "mistral-nemo" {
		t.Errorf("llm_model = %q after round trip", loaded.LLMModel)
	}
	if len(loaded.AllowedOrigins) != 1 || loaded.AllowedOrigins[0] != "http://ui.local" {
		t.Errorf("allowed origins = %v after round trip", loaded.AllowedOrigins)
	}
}
