package config

// DefaultTOML is the commented template written by "paperfold config init".
// Every key is optional; absent keys keep their built-in defaults.
const DefaultTOML = `# paperfold configuration
# Precedence: defaults < this file < .env < PAPERFOLD_* env < CLI flags.

# Directories. The intake dir is read-only input; everything else is
# created on demand.
intake_dir = "./intake"
cabinet_dir = "./filing_cabinet"
processed_dir = "./processed"
state_dir = "./.paperfold"
# normalized_dir defaults to <state_dir>/normalized

# HTTP API
listen_addr = "127.0.0.1:8480"
allowed_origins = ["http://localhost", "http://127.0.0.1"]

# LLM collaborator (OpenAI-compatible endpoint, e.g. Ollama)
llm_host = "http://127.0.0.1:11434"
llm_model = "llama3.1"
# classify_model = ""
# analyze_model = ""
# tag_model = ""
llm_timeout_seconds = 45
llm_context_window = 8192
llm_max_concurrent = 2

# OCR
ocr_engine = "tesseract"   # tesseract | stub
ocr_language = "eng"
ocr_render_scale = 2.0
ocr_overlay_text_limit = 32768
ocr_timeout_seconds = 60
ocr_max_concurrent = 2

# Image normalization
normalize_dpi = 150
normalize_quality = 95

# Orchestration
worker_count = 0           # 0 means one worker per logical CPU
queue_depth = 64
token_ttl_seconds = 300
token_sweep_seconds = 30
rescan_min_gap_seconds = 5

# Maintenance
normalized_cache_max_age_days = 30
normalized_cache_sweep_minutes = 60

# Logging
# log_path defaults to <state_dir>/logs/paperfold.log
log_level = "info"
log_max_size_mb = 20
log_max_backups = 3
log_max_age_days = 30
log_console = false

# Feature flags
fast_test_mode = false
enable_tag_extraction = false
`
