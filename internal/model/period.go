package model

import "time"

// Language is the document language of a report.
type Language string

const (
	LanguageSwedish   Language = "sv"
	LanguageNorwegian Language = "no"
	LanguageEnglish   Language = "en"
)

// NumberFormat describes how numbers are written in the source document.
type NumberFormat string

const (
	// NumberFormatSwedish uses comma as decimal separator and space for thousands.
	NumberFormatSwedish NumberFormat = "swedish"
	// NumberFormatEnglish uses dot as decimal separator and comma for thousands.
	NumberFormatEnglish NumberFormat = "english"
)

// Period is one quarterly report instance for a company.
type Period struct {
	ID         int64          `json:"id"`
	CompanyID  int64          `json:"company_id"`
	Quarter    int            `json:"quarter"` // 1..4
	Year       int            `json:"year"`    // 2000..2100
	SourceFile string         `json:"source_file"`
	PDFHash    string         `json:"pdf_hash"` // 12 hex chars, dedup key
	Currency   string         `json:"currency"`
	Language   Language       `json:"language"`
	Meta       ExtractionMeta `json:"meta"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PassStat records the outcome of a single extraction pass.
type PassStat struct {
	Pass         int     `json:"pass"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	ElapsedSecs  float64 `json:"elapsed_secs"`
}

// Pass1Counts holds the element counts reported by the structure pass.
// The report builder compares these against persisted counts.
type Pass1Counts struct {
	Tables   int `json:"tables"`
	Sections int `json:"sections"`
	Charts   int `json:"charts"`
}

// ValidationSummary captures residual validation findings after the repair
// pass. Errors do not block persistence; downstream consumers triage them.
type ValidationSummary struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ExtractionMeta is the per-period extraction metadata blob.
type ExtractionMeta struct {
	ExtractedAt   time.Time         `json:"extracted_at"`
	Passes        []PassStat        `json:"passes"`
	InputTokens   int64             `json:"input_tokens"`
	OutputTokens  int64             `json:"output_tokens"`
	CostUSD       float64           `json:"cost_usd"`
	CostSEK       float64           `json:"cost_sek"`
	Pass1Counts   Pass1Counts       `json:"pass1_counts"`
	MissingTables []string          `json:"missing_tables,omitempty"`
	RepairCount   int               `json:"repair_count"`
	Validation    ValidationSummary `json:"validation"`
	NumberFormat  NumberFormat      `json:"number_format"`
	PageCount     int               `json:"page_count"`
}

// PeriodPayload is the full extracted content of one period: the period
// attributes plus all child rows. SavePeriodAtomic commits it as a unit.
type PeriodPayload struct {
	Quarter  int           `json:"quarter"`
	Year     int           `json:"year"`
	Currency string        `json:"currency"`
	Language Language      `json:"language"`
	Tables   []ReportTable `json:"tables"`
	Sections []Section     `json:"sections"`
	Charts   []Chart       `json:"charts"`
	Meta     ExtractionMeta `json:"meta"`
}
