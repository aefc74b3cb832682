package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the immutable runtime configuration. It is loaded once at startup
// with precedence defaults → config file → dotenv/env → CLI overrides.
type Config struct {
	// Directories. IntakeDir holds user-supplied files and is never written
	// to. ProcessedDir receives searchable PDFs, CabinetDir the final
	// exports, NormalizedDir the content-addressed normalized cache.
	IntakeDir     string
	ProcessedDir  string
	CabinetDir    string
	NormalizedDir string
	StateDir      string

	// HTTP API.
	ListenAddr     string
	AllowedOrigins []string

	// LLM collaborator. Host is an OpenAI-compatible endpoint (Ollama
	// style). Per-task model overrides fall back to Model when empty.
	LLMHost          string
	LLMModel         string
	ClassifyModel    string
	AnalyzeModel     string
	TagModel         string
	LLMTimeoutSecs   int
	LLMContextWindow int
	LLMMaxConcurrent int

	// OCR.
	OCREngine           string // tesseract | stub
	OCRLanguage         string
	OCRRenderScale      float64
	OCROverlayTextLimit int
	OCRTimeoutSecs      int
	OCRMaxConcurrent    int

	// Normalization of raster images into single-page PDFs.
	NormalizeDPI     int
	NormalizeQuality int

	// Orchestration.
	WorkerCount      int // 0 means one per logical CPU
	QueueDepth       int
	TokenTTLSecs     int
	TokenSweepSecs   int
	RescanMinGapSecs int

	// Maintenance.
	NormalizedCacheMaxAgeDays   int
	NormalizedCacheSweepMinutes int

	// Logging.
	LogPath       string
	LogLevel      string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogConsole    bool

	// Feature flags.
	FastTestMode        bool
	EnableTagExtraction bool
}

// fileConfig mirrors Config with pointer fields so absent keys keep their
// defaults. Slice fields replace wholesale when present.
type fileConfig struct {
	IntakeDir     *string `toml:"intake_dir"`
	ProcessedDir  *string `toml:"processed_dir"`
	CabinetDir    *string `toml:"cabinet_dir"`
	NormalizedDir *string `toml:"normalized_dir"`
	StateDir      *string `toml:"state_dir"`

	ListenAddr     *string  `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`

	LLMHost          *string `toml:"llm_host"`
	LLMModel         *string `toml:"llm_model"`
	ClassifyModel    *string `toml:"classify_model"`
	AnalyzeModel     *string `toml:"analyze_model"`
	TagModel         *string `toml:"tag_model"`
	LLMTimeoutSecs   *int    `toml:"llm_timeout_seconds"`
	LLMContextWindow *int    `toml:"llm_context_window"`
	LLMMaxConcurrent *int    `toml:"llm_max_concurrent"`

	OCREngine           *string  `toml:"ocr_engine"`
	OCRLanguage         *string  `toml:"ocr_language"`
	OCRRenderScale      *float64 `toml:"ocr_render_scale"`
	OCROverlayTextLimit *int     `toml:"ocr_overlay_text_limit"`
	OCRTimeoutSecs      *int     `toml:"ocr_timeout_seconds"`
	OCRMaxConcurrent    *int     `toml:"ocr_max_concurrent"`

	NormalizeDPI     *int `toml:"normalize_dpi"`
	NormalizeQuality *int `toml:"normalize_quality"`

	WorkerCount      *int `toml:"worker_count"`
	QueueDepth       *int `toml:"queue_depth"`
	TokenTTLSecs     *int `toml:"token_ttl_seconds"`
	TokenSweepSecs   *int `toml:"token_sweep_seconds"`
	RescanMinGapSecs *int `toml:"rescan_min_gap_seconds"`

	NormalizedCacheMaxAgeDays   *int `toml:"normalized_cache_max_age_days"`
	NormalizedCacheSweepMinutes *int `toml:"normalized_cache_sweep_minutes"`

	LogPath       *string `toml:"log_path"`
	LogLevel      *string `toml:"log_level"`
	LogMaxSizeMB  *int    `toml:"log_max_size_mb"`
	LogMaxBackups *int    `toml:"log_max_backups"`
	LogMaxAgeDays *int    `toml:"log_max_age_days"`
	LogConsole    *bool   `toml:"log_console"`

	FastTestMode        *bool `toml:"fast_test_mode"`
	EnableTagExtraction *bool `toml:"enable_tag_extraction"`
}

// Default returns the baseline configuration. Directory defaults hang off
// the state dir and are resolved by Validate.
func Default() Config {
	return Config{
		IntakeDir:     "./intake",
		ProcessedDir:  "",
		CabinetDir:    "./filing_cabinet",
		NormalizedDir: "",
		StateDir:      "./.paperfold",

		ListenAddr: "127.0.0.1:8480",
		AllowedOrigins: []string{
			"http://localhost",
			"http://127.0.0.1",
		},

		LLMHost:          "http://127.0.0.1:11434",
		LLMModel:         "llama3.1",
		LLMTimeoutSecs:   45,
		LLMContextWindow: 8192,
		LLMMaxConcurrent: 2,

		OCREngine:           "tesseract",
		OCRLanguage:         "eng",
		OCRRenderScale:      2.0,
		OCROverlayTextLimit: 32768,
		OCRTimeoutSecs:      60,
		OCRMaxConcurrent:    2,

		NormalizeDPI:     150,
		NormalizeQuality: 95,

		WorkerCount:      0,
		QueueDepth:       64,
		TokenTTLSecs:     300,
		TokenSweepSecs:   30,
		RescanMinGapSecs: 5,

		NormalizedCacheMaxAgeDays:   30,
		NormalizedCacheSweepMinutes: 60,

		LogLevel:      "info",
		LogMaxSizeMB:  20,
		LogMaxBackups: 3,
		LogMaxAgeDays: 30,

		FastTestMode:        false,
		EnableTagExtraction: false,
	}
}

// DBPath returns the SQLite database location under the state dir.
func (c Config) DBPath() string {
	return filepath.Join(c.StateDir, "paperfold.db")
}

// RotationCacheDir returns where rotated single-page previews are cached.
func (c Config) RotationCacheDir() string {
	return filepath.Join(c.StateDir, "cache", "rotated")
}

// EnsureDirs creates every directory the runtime writes to.
func (c Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		c.ProcessedDir,
		c.CabinetDir,
		c.NormalizedDir,
		c.RotationCacheDir(),
		filepath.Dir(c.LogPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func applyFileOverrides(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}

	var fileCfg fileConfig
	if err := toml.Unmarshal(raw, &fileCfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fileCfg.IntakeDir != nil {
		cfg.IntakeDir = *fileCfg.IntakeDir
	}
	if fileCfg.ProcessedDir != nil {
		cfg.ProcessedDir = *fileCfg.ProcessedDir
	}
	if fileCfg.CabinetDir != nil {
		cfg.CabinetDir = *fileCfg.CabinetDir
	}
	if fileCfg.NormalizedDir != nil {
		cfg.NormalizedDir = *fileCfg.NormalizedDir
	}
	if fileCfg.StateDir != nil {
		cfg.StateDir = *fileCfg.StateDir
	}
	if fileCfg.ListenAddr != nil {
		cfg.ListenAddr = *fileCfg.ListenAddr
	}
	if fileCfg.AllowedOrigins != nil {
		cfg.AllowedOrigins = normalizeStringSlice(fileCfg.AllowedOrigins)
	}
	if fileCfg.LLMHost != nil {
		cfg.LLMHost = *fileCfg.LLMHost
	}
	if fileCfg.LLMModel != nil {
		cfg.LLMModel = *fileCfg.LLMModel
	}
	if fileCfg.ClassifyModel != nil {
		cfg.ClassifyModel = *fileCfg.ClassifyModel
	}
	if fileCfg.AnalyzeModel != nil {
		cfg.AnalyzeModel = *fileCfg.AnalyzeModel
	}
	if fileCfg.TagModel != nil {
		cfg.TagModel = *fileCfg.TagModel
	}
	if fileCfg.LLMTimeoutSecs != nil {
		cfg.LLMTimeoutSecs = *fileCfg.LLMTimeoutSecs
	}
	if fileCfg.LLMContextWindow != nil {
		cfg.LLMContextWindow = *fileCfg.LLMContextWindow
	}
	if fileCfg.LLMMaxConcurrent != nil {
		cfg.LLMMaxConcurrent = *fileCfg.LLMMaxConcurrent
	}
	if fileCfg.OCREngine != nil {
		cfg.OCREngine = *fileCfg.OCREngine
	}
	if fileCfg.OCRLanguage != nil {
		cfg.OCRLanguage = *fileCfg.OCRLanguage
	}
	if fileCfg.OCRRenderScale != nil {
		cfg.OCRRenderScale = *fileCfg.OCRRenderScale
	}
	if fileCfg.OCROverlayTextLimit != nil {
		cfg.OCROverlayTextLimit = *fileCfg.OCROverlayTextLimit
	}
	if fileCfg.OCRTimeoutSecs != nil {
		cfg.OCRTimeoutSecs = *fileCfg.OCRTimeoutSecs
	}
	if fileCfg.OCRMaxConcurrent != nil {
		cfg.OCRMaxConcurrent = *fileCfg.OCRMaxConcurrent
	}
	if fileCfg.NormalizeDPI != nil {
		cfg.NormalizeDPI = *fileCfg.NormalizeDPI
	}
	if fileCfg.NormalizeQuality != nil {
		cfg.NormalizeQuality = *fileCfg.NormalizeQuality
	}
	if fileCfg.WorkerCount != nil {
		cfg.WorkerCount = *fileCfg.WorkerCount
	}
	if fileCfg.QueueDepth != nil {
		cfg.QueueDepth = *fileCfg.QueueDepth
	}
	if fileCfg.TokenTTLSecs != nil {
		cfg.TokenTTLSecs = *fileCfg.TokenTTLSecs
	}
	if fileCfg.TokenSweepSecs != nil {
		cfg.TokenSweepSecs = *fileCfg.TokenSweepSecs
	}
	if fileCfg.RescanMinGapSecs != nil {
		cfg.RescanMinGapSecs = *fileCfg.RescanMinGapSecs
	}
	if fileCfg.NormalizedCacheMaxAgeDays != nil {
		cfg.NormalizedCacheMaxAgeDays = *fileCfg.NormalizedCacheMaxAgeDays
	}
	if fileCfg.NormalizedCacheSweepMinutes != nil {
		cfg.NormalizedCacheSweepMinutes = *fileCfg.NormalizedCacheSweepMinutes
	}
	if fileCfg.LogPath != nil {
		cfg.LogPath = *fileCfg.LogPath
	}
	if fileCfg.LogLevel != nil {
		cfg.LogLevel = *fileCfg.LogLevel
	}
	if fileCfg.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *fileCfg.LogMaxSizeMB
	}
	if fileCfg.LogMaxBackups != nil {
		cfg.LogMaxBackups = *fileCfg.LogMaxBackups
	}
	if fileCfg.LogMaxAgeDays != nil {
		cfg.LogMaxAgeDays = *fileCfg.LogMaxAgeDays
	}
	if fileCfg.LogConsole != nil {
		cfg.LogConsole = *fileCfg.LogConsole
	}
	if fileCfg.FastTestMode != nil {
		cfg.FastTestMode = *fileCfg.FastTestMode
	}
	if fileCfg.EnableTagExtraction != nil {
		cfg.EnableTagExtraction = *fileCfg.EnableTagExtraction
	}

	return nil
}

// SaveFile writes cfg to path in the on-disk TOML form.
func SaveFile(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(persistedForm(cfg)); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

// persistedConfig is the serialized TOML shape. Every field carries a value;
// loading treats them all as overrides.
type persistedConfig struct {
	IntakeDir     string `toml:"intake_dir"`
	ProcessedDir  string `toml:"processed_dir"`
	CabinetDir    string `toml:"cabinet_dir"`
	NormalizedDir string `toml:"normalized_dir"`
	StateDir      string `toml:"state_dir"`

	ListenAddr     string   `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`

	LLMHost          string `toml:"llm_host"`
	LLMModel         string `toml:"llm_model"`
	ClassifyModel    string `toml:"classify_model"`
	AnalyzeModel     string `toml:"analyze_model"`
	TagModel         string `toml:"tag_model"`
	LLMTimeoutSecs   int    `toml:"llm_timeout_seconds"`
	LLMContextWindow int    `toml:"llm_context_window"`
	LLMMaxConcurrent int    `toml:"llm_max_concurrent"`

	OCREngine           string  `toml:"ocr_engine"`
	OCRLanguage         string  `toml:"ocr_language"`
	OCRRenderScale      float64 `toml:"ocr_render_scale"`
	OCROverlayTextLimit int     `toml:"ocr_overlay_text_limit"`
	OCRTimeoutSecs      int     `toml:"ocr_timeout_seconds"`
	OCRMaxConcurrent    int     `toml:"ocr_max_concurrent"`

	NormalizeDPI     int `toml:"normalize_dpi"`
	NormalizeQuality int `toml:"normalize_quality"`

	WorkerCount      int `toml:"worker_count"`
	QueueDepth       int `toml:"queue_depth"`
	TokenTTLSecs     int `toml:"token_ttl_seconds"`
	TokenSweepSecs   int `toml:"token_sweep_seconds"`
	RescanMinGapSecs int `toml:"rescan_min_gap_seconds"`

	NormalizedCacheMaxAgeDays   int `toml:"normalized_cache_max_age_days"`
	NormalizedCacheSweepMinutes int `toml:"normalized_cache_sweep_minutes"`

	LogPath       string `toml:"log_path"`
	LogLevel      string `toml:"log_level"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
	LogConsole    bool   `toml:"log_console"`

	FastTestMode        bool `toml:"fast_test_mode"`
	EnableTagExtraction bool `toml:"enable_tag_extraction"`
}

func persistedForm(cfg Config) persistedConfig {
	return persistedConfig{
		IntakeDir:     cfg.IntakeDir,
		ProcessedDir:  cfg.ProcessedDir,
		CabinetDir:    cfg.CabinetDir,
		NormalizedDir: cfg.NormalizedDir,
		StateDir:      cfg.StateDir,

		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),

		LLMHost:          cfg.LLMHost,
		LLMModel:         cfg.LLMModel,
		ClassifyModel:    cfg.ClassifyModel,
		AnalyzeModel:     cfg.AnalyzeModel,
		TagModel:         cfg.TagModel,
		LLMTimeoutSecs:   cfg.LLMTimeoutSecs,
		LLMContextWindow: cfg.LLMContextWindow,
		LLMMaxConcurrent: cfg.LLMMaxConcurrent,

		OCREngine:           cfg.OCREngine,
		OCRLanguage:         cfg.OCRLanguage,
		OCRRenderScale:      cfg.OCRRenderScale,
		OCROverlayTextLimit: cfg.OCROverlayTextLimit,
		OCRTimeoutSecs:      cfg.OCRTimeoutSecs,
		OCRMaxConcurrent:    cfg.OCRMaxConcurrent,

		NormalizeDPI:     cfg.NormalizeDPI,
		NormalizeQuality: cfg.NormalizeQuality,

		WorkerCount:      cfg.WorkerCount,
		QueueDepth:       cfg.QueueDepth,
		TokenTTLSecs:     cfg.TokenTTLSecs,
		TokenSweepSecs:   cfg.TokenSweepSecs,
		RescanMinGapSecs: cfg.RescanMinGapSecs,

		NormalizedCacheMaxAgeDays:   cfg.NormalizedCacheMaxAgeDays,
		NormalizedCacheSweepMinutes: cfg.NormalizedCacheSweepMinutes,

		LogPath:       cfg.LogPath,
		LogLevel:      cfg.LogLevel,
		LogMaxSizeMB:  cfg.LogMaxSizeMB,
		LogMaxBackups: cfg.LogMaxBackups,
		LogMaxAgeDays: cfg.LogMaxAgeDays,
		LogConsole:    cfg.LogConsole,

		FastTestMode:        cfg.FastTestMode,
		EnableTagExtraction: cfg.EnableTagExtraction,
	}
}

func normalizeStringSlice(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// MergeAllowedOrigins appends extra origins, dropping blanks and duplicates
// while preserving order.
func MergeAllowedOrigins(base []string, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, lst := range [][]string{base, extra} {
		for _, origin := range lst {
			origin = strings.TrimSpace(origin)
			if origin == "" {
				continue
			}
			if _, dup := seen[origin]; dup {
				continue
			}
			seen[origin] = struct{}{}
			out = append(out, origin)
		}
	}
	return out
}
