package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultConfigFile is the config file name looked up in the working
// directory when --config is not given.
const DefaultConfigFile = "paperfold.toml"

// Options for loading config. ConfigPath is relative to RootDir if not
// absolute.
type Options struct {
	ConfigPath     string
	RootDir        string
	NonInteractive bool
	SkipValidate   bool // for config show of a broken file
	// Overrides apply last (flags > env > file > defaults). Nil means no
	// CLI overrides.
	Overrides *Overrides
}

// Overrides holds CLI flag values that take precedence over env, file and
// defaults. Only non-nil fields are applied.
type Overrides struct {
	IntakeDir    *string
	StateDir     *string
	ListenAddr   *string
	LLMHost      *string
	LLMModel     *string
	LogLevel     *string
	FastTestMode *bool
}

// Load builds config with precedence: defaults → paperfold.toml → .env →
// PAPERFOLD_* env → Overrides. Returns an error suitable for exit code 2
// when invalid.
func Load(opts Options) (Config, error) {
	cfg := Default()

	// Local dotenv files for developer ergonomics. Precedence stays:
	// explicit env > .env.local > .env.
	if err := loadDotEnvFiles(".env.local", ".env"); err != nil {
		return cfg, fmt.Errorf("CONFIG_INVALID: failed loading dotenv files: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = DefaultConfigFile
	}
	if !filepath.IsAbs(configPath) && opts.RootDir != "" {
		configPath = filepath.Join(opts.RootDir, configPath)
	}
	if _, err := os.Stat(configPath); err == nil {
		if err := applyFileOverrides(&cfg, configPath); err != nil {
			return cfg, fmt.Errorf("CONFIG_INVALID: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("CONFIG_INVALID: cannot read config file %s: %w", configPath, err)
	} else if opts.ConfigPath != "" {
		// An explicitly named file must exist.
		return cfg, fmt.Errorf("CONFIG_INVALID: config file %s not found", configPath)
	}

	applyEnvOverrides(&cfg)

	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if !opts.SkipValidate {
		if err := Validate(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// applyEnvOverrides overlays PAPERFOLD_* environment variables. Malformed
// numeric or boolean values are ignored rather than fatal so a stray export
// cannot brick the daemon.
func applyEnvOverrides(cfg *Config) {
	envString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envString("PAPERFOLD_INTAKE_DIR", &cfg.IntakeDir)
	envString("PAPERFOLD_PROCESSED_DIR", &cfg.ProcessedDir)
	envString("PAPERFOLD_CABINET_DIR", &cfg.CabinetDir)
	envString("PAPERFOLD_NORMALIZED_DIR", &cfg.NormalizedDir)
	envString("PAPERFOLD_STATE_DIR", &cfg.StateDir)
	envString("PAPERFOLD_LISTEN_ADDR", &cfg.ListenAddr)
	envString("PAPERFOLD_LLM_HOST", &cfg.LLMHost)
	envString("PAPERFOLD_LLM_MODEL", &cfg.LLMModel)
	envString("PAPERFOLD_CLASSIFY_MODEL", &cfg.ClassifyModel)
	envString("PAPERFOLD_ANALYZE_MODEL", &cfg.AnalyzeModel)
	envString("PAPERFOLD_TAG_MODEL", &cfg.TagModel)
	envInt("PAPERFOLD_LLM_TIMEOUT_SECONDS", &cfg.LLMTimeoutSecs)
	envString("PAPERFOLD_OCR_ENGINE", &cfg.OCREngine)
	envString("PAPERFOLD_OCR_LANGUAGE", &cfg.OCRLanguage)
	envInt("PAPERFOLD_WORKER_COUNT", &cfg.WorkerCount)
	envString("PAPERFOLD_LOG_PATH", &cfg.LogPath)
	envString("PAPERFOLD_LOG_LEVEL", &cfg.LogLevel)
	envBool("PAPERFOLD_LOG_CONSOLE", &cfg.LogConsole)
	envBool("PAPERFOLD_FAST_TEST_MODE", &cfg.FastTestMode)
	envBool("PAPERFOLD_ENABLE_TAG_EXTRACTION", &cfg.EnableTagExtraction)

	if v := strings.TrimSpace(os.Getenv("PAPERFOLD_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = normalizeStringSlice(strings.Split(v, ","))
	}
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.IntakeDir != nil {
		cfg.IntakeDir = *o.IntakeDir
	}
	if o.StateDir != nil {
		cfg.StateDir = *o.StateDir
	}
	if o.ListenAddr != nil {
		cfg.ListenAddr = *o.ListenAddr
	}
	if o.LLMHost != nil {
		cfg.LLMHost = *o.LLMHost
	}
	if o.LLMModel != nil {
		cfg.LLMModel = *o.LLMModel
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.FastTestMode != nil {
		cfg.FastTestMode = *o.FastTestMode
	}
}
