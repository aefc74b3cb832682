package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// OCREngines lists the accepted ocr_engine values.
var OCREngines = []string{"tesseract", "stub"}

// LogLevels lists the accepted log_level values.
var LogLevels = []string{"debug", "info", "warn", "error"}

// Validate normalizes the config in place and checks required fields, enum
// constraints and numeric ranges. Derived directories (processed, normalized,
// log path) are resolved here so every later consumer sees final paths.
// Returns an error with an actionable message so the caller can exit 2.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("CONFIG_INVALID: nil config")
	}

	cfg.IntakeDir = strings.TrimSpace(cfg.IntakeDir)
	cfg.StateDir = strings.TrimSpace(cfg.StateDir)
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.LLMHost = strings.TrimRight(strings.TrimSpace(cfg.LLMHost), "/")
	cfg.OCREngine = strings.ToLower(strings.TrimSpace(cfg.OCREngine))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.AllowedOrigins = normalizeStringSlice(cfg.AllowedOrigins)

	if cfg.IntakeDir == "" {
		return fmt.Errorf("CONFIG_INVALID: intake_dir is required\nSet intake_dir in paperfold.toml or PAPERFOLD_INTAKE_DIR")
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("CONFIG_INVALID: state_dir is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("CONFIG_INVALID: listen_addr is required")
	}

	// Derived locations hang off the state dir unless set explicitly.
	if strings.TrimSpace(cfg.ProcessedDir) == "" {
		cfg.ProcessedDir = "./processed"
	}
	if strings.TrimSpace(cfg.NormalizedDir) == "" {
		cfg.NormalizedDir = filepath.Join(cfg.StateDir, "normalized")
	}
	if strings.TrimSpace(cfg.LogPath) == "" {
		cfg.LogPath = filepath.Join(cfg.StateDir, "logs", "paperfold.log")
	}

	if err := validateEnums(cfg); err != nil {
		return err
	}
	return validateRanges(cfg)
}

func validateEnums(cfg *Config) error {
	if !stringIn(cfg.OCREngine, OCREngines) {
		return fmt.Errorf("CONFIG_INVALID: ocr_engine=%q; allowed: %s", cfg.OCREngine, strings.Join(OCREngines, ", "))
	}
	if !stringIn(cfg.LogLevel, LogLevels) {
		return fmt.Errorf("CONFIG_INVALID: log_level=%q; allowed: %s", cfg.LogLevel, strings.Join(LogLevels, ", "))
	}
	if !strings.HasPrefix(cfg.LLMHost, "http://") && !strings.HasPrefix(cfg.LLMHost, "https://") {
		return fmt.Errorf("CONFIG_INVALID: llm_host=%q must be an http(s) URL", cfg.LLMHost)
	}
	return nil
}

func validateRanges(cfg *Config) error {
	if cfg.OCRRenderScale <= 0 {
		return fmt.Errorf("CONFIG_INVALID: ocr_render_scale=%v must be > 0", cfg.OCRRenderScale)
	}
	if cfg.OCROverlayTextLimit < 0 {
		return fmt.Errorf("CONFIG_INVALID: ocr_overlay_text_limit must be >= 0")
	}
	if cfg.NormalizeDPI < 72 || cfg.NormalizeDPI > 600 {
		return fmt.Errorf("CONFIG_INVALID: normalize_dpi=%d; expected 72..600", cfg.NormalizeDPI)
	}
	if cfg.NormalizeQuality < 1 || cfg.NormalizeQuality > 100 {
		return fmt.Errorf("CONFIG_INVALID: normalize_quality=%d; expected 1..100", cfg.NormalizeQuality)
	}
	if cfg.WorkerCount < 0 {
		return fmt.Errorf("CONFIG_INVALID: worker_count must be >= 0 (0 means one per CPU)")
	}
	if cfg.QueueDepth < 1 {
		return fmt.Errorf("CONFIG_INVALID: queue_depth must be >= 1")
	}
	for name, v := range map[string]int{
		"llm_timeout_seconds":    cfg.LLMTimeoutSecs,
		"ocr_timeout_seconds":    cfg.OCRTimeoutSecs,
		"token_ttl_seconds":      cfg.TokenTTLSecs,
		"token_sweep_seconds":    cfg.TokenSweepSecs,
		"rescan_min_gap_seconds": cfg.RescanMinGapSecs,
	} {
		if v < 1 {
			return fmt.Errorf("CONFIG_INVALID: %s must be >= 1", name)
		}
	}
	if cfg.LLMMaxConcurrent < 1 || cfg.OCRMaxConcurrent < 1 {
		return fmt.Errorf("CONFIG_INVALID: llm_max_concurrent and ocr_max_concurrent must be >= 1")
	}
	if cfg.NormalizedCacheMaxAgeDays < 1 {
		return fmt.Errorf("CONFIG_INVALID: normalized_cache_max_age_days must be >= 1")
	}
	if cfg.NormalizedCacheSweepMinutes < 1 {
		return fmt.Errorf("CONFIG_INVALID: normalized_cache_sweep_minutes must be >= 1")
	}
	return nil
}

func stringIn(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
