package protocol

// Batch kinds. A batch groups artifacts that share one processing workflow.
const (
	BatchKindSingle  = "single_document_batch"
	BatchKindGrouped = "grouped_batch"
)

// Batch statuses. Transitions move forward only; the sole reverse path is an
// explicit admin reset.
const (
	BatchStatusPendingProcessing   = "pending_processing"
	BatchStatusPendingVerification = "pending_verification"
	BatchStatusPendingGrouping     = "pending_grouping"
	BatchStatusPendingOrdering     = "pending_ordering"
	BatchStatusPendingExport       = "pending_export"
	BatchStatusExported            = "exported"
	BatchStatusFailed              = "failed"
)

// Document states.
const (
	DocStateNew      = "new"
	DocStateOCRDone  = "ocr_done"
	DocStateAIDone   = "ai_done"
	DocStateVerified = "verified"
	DocStateGrouped  = "grouped"
	DocStateOrdered  = "ordered"
	DocStateExported = "exported"
	DocStateFailed   = "failed"
)

// Intake strategies assigned by the analyzer.
const (
	StrategySingleDocument = "single_document"
	StrategyBatchScan      = "batch_scan"
)

// Artifact kinds.
const (
	KindPDF     = "pdf"
	KindImage   = "image"
	KindUnknown = "unknown"
)

// Progress stream phases, in pipeline order. PhaseCancelled only appears on
// the terminal event of a cancelled run.
const (
	PhaseAnalyze    = "analyze"
	PhaseNormalize  = "normalize"
	PhaseOCR        = "ocr"
	PhaseAIClassify = "ai_classify"
	PhasePersist    = "persist"
	PhaseFinalize   = "finalize"
	PhaseCancelled  = "cancelled"
)

// Rescan modes.
const (
	RescanModeOCR       = "ocr"
	RescanModeLLMOnly   = "llm_only"
	RescanModeOCRAndLLM = "ocr_and_llm"
)

const (
	ErrorCodeUserInput      = "USER_INPUT"
	ErrorCodeTransient      = "TRANSIENT"
	ErrorCodeCache          = "CACHE"
	ErrorCodeFatal          = "FATAL"
	ErrorCodeCancelled      = "CANCELLED"
	ErrorCodeOCRFailed      = "OCR_FAILED"
	ErrorCodeLLMUnavailable = "LLM_UNAVAILABLE"
	ErrorCodeUnknownToken   = "UNKNOWN_TOKEN"
	ErrorCodeBusy           = "BUSY"
	ErrorCodeNotFound       = "NOT_FOUND"
)

const (
	DefaultListenAddr = "127.0.0.1:8480"

	// SSE endpoints are mounted under /api; see internal/httpapi.
	APIBasePath = "/api"
)
