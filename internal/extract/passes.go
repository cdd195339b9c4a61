// Package extract runs the three-pass LLM extraction over one report PDF:
// structure inventory first, then tables and narrative in parallel, then a
// single targeted repair call for anything missing or broken.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nordsight/rapport-cli/internal/jsonx"
	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/pkg/anthropic"
)

// Output token budgets per pass. Pass 2 carries full table bodies and needs
// the most room.
const (
	Pass1MaxTokens  = 16_384
	Pass2MaxTokens  = 60_000
	Pass3MaxTokens  = 32_768
	RepairMaxTokens = 16_384
)

// DefaultPassDeadline bounds a single LLM call.
const DefaultPassDeadline = 300 * time.Second

// ModelTier selects between the low-cost and premium model.
type ModelTier int

const (
	TierLowCost ModelTier = iota
	TierPremium
)

// PassSpec describes one extraction pass.
type PassSpec struct {
	Number      int
	Name        string
	Tier        ModelTier
	MaxTokens   int64
	BuildPrompt func() string
}

// PassResult is the accounting record of one completed pass.
type PassResult struct {
	Pass         int
	Name         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Elapsed      time.Duration
	Data         json.RawMessage
}

// Stat converts the result into extraction metadata form.
func (r *PassResult) Stat() model.PassStat {
	return model.PassStat{
		Pass:         r.Pass,
		Model:        r.Model,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		ElapsedSecs:  r.Elapsed.Seconds(),
	}
}

const systemPrompt = `You are a financial data extraction system for Nordic corporate quarterly reports (Swedish, Norwegian, or English). You read the attached PDF and respond with valid JSON only: no markdown fences, no commentary. Numbers use dot as decimal separator in your output regardless of the document's number format. Use null for values not present in the document.`

const structurePrompt = `List every extractable element in this quarterly report.

Return a JSON object:
{
  "tables":   [{"id": "table_N", "title": "...", "type": "income_statement|balance_sheet|cash_flow|kpi|other", "page": N, "columns": ["", "col1", ...]}],
  "sections": [{"id": "section_N", "title": "...", "type": "ceo_letter|outlook|segment|other", "page": N}],
  "charts":   [{"id": "chart_N", "title": "...", "type": "bar|line|pie|other", "page": N}],
  "language": "sv|no|en",
  "currency": "SEK|NOK|EUR|USD",
  "number_format": "swedish|english",
  "quarter": N,
  "year": N
}

Number ids sequentially from 1 in reading order. The first column header of
every table is the empty string: it is the row-label column. number_format is
"swedish" when the document writes decimals with a comma and thousands with a
space, "english" when it uses dot and comma.`

const tablesPrompt = `Extract the complete contents of the tables and charts listed in this structure map:

%s

Materialize these table ids: %s
Materialize these chart ids: %s

Return a JSON object:
{
  "tables": [{"table_id": "table_N", "title": "...", "type": "...", "source_page": N,
              "columns": ["", "col1", ...],
              "rows": [{"label": "...", "values": [null, 123.4, ...], "row_order": N, "indent": N}]}],
  "charts": [{"chart_id": "chart_N", "title": "...", "type": "...", "source_page": N,
              "x_axis": "...", "y_axis": "...",
              "data_points": [{"label": "...", "value": 12.3}]}]
}

Echo the column headers from the structure map. Row labels must be read from
the PDF, never invented. values must have exactly as many entries as columns;
the first entry is null unless the label itself is a year. Parse numbers into
JSON numbers; keep footnote markers and qualitative cells as strings.`

const narrativePrompt = `Extract the narrative sections listed in this structure map:

%s

Materialize these section ids: %s

Return a JSON object:
{
  "sections": [{"section_id": "section_N", "title": "...", "type": "...", "source_page": N, "content": "..."}]
}

content is the section's verbatim text in the document's language; normalize
whitespace but do not summarize, translate, or reorder.`

// Runner executes extraction passes against the LLM, serialized through a
// shared weighted semaphore so concurrent PDFs cannot exceed the configured
// number of in-flight calls.
type Runner struct {
	client       anthropic.Client
	sem          *semaphore.Weighted
	lowCostModel string
	premiumModel string
	deadline     time.Duration
}

// NewRunner creates a pass runner. maxConcurrent bounds in-flight LLM calls
// across all goroutines sharing this runner.
func NewRunner(client anthropic.Client, maxConcurrent int64, lowCostModel, premiumModel string, deadline time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if deadline <= 0 {
		deadline = DefaultPassDeadline
	}
	return &Runner{
		client:       client,
		sem:          semaphore.NewWeighted(maxConcurrent),
		lowCostModel: lowCostModel,
		premiumModel: premiumModel,
		deadline:     deadline,
	}
}

func (r *Runner) model(tier ModelTier) string {
	if tier == TierPremium {
		return r.premiumModel
	}
	return r.lowCostModel
}

// runPass acquires the semaphore, applies the pass deadline, issues the call
// and salvages the JSON payload.
func (r *Runner) runPass(ctx context.Context, spec PassSpec, pdfBase64 string) (*PassResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrapf(err, "extract: pass %d acquire", spec.Number)
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	start := time.Now()
	resp, err := r.client.CreateDocumentMessage(ctx, anthropic.DocumentRequest{
		Model:     r.model(spec.Tier),
		MaxTokens: spec.MaxTokens,
		System:    systemPrompt,
		PDFBase64: pdfBase64,
		Prompt:    spec.BuildPrompt(),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: pass %d (%s)", spec.Number, spec.Name)
	}

	data, err := jsonx.Salvage(resp.Text)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: pass %d (%s) response", spec.Number, spec.Name)
	}

	result := &PassResult{
		Pass:         spec.Number,
		Name:         spec.Name,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Elapsed:      time.Since(start),
		Data:         data,
	}
	zap.L().Debug("extract: pass complete",
		zap.Int("pass", spec.Number),
		zap.String("name", spec.Name),
		zap.String("stop_reason", resp.StopReason),
		zap.Duration("elapsed", result.Elapsed),
	)
	resp.Usage.LogCost(result.Model, spec.Name)
	return result, nil
}

// RunStructure executes Pass 1 and decodes the structure map.
func (r *Runner) RunStructure(ctx context.Context, pdfBase64 string) (*model.StructureMap, *PassResult, error) {
	result, err := r.runPass(ctx, PassSpec{
		Number:      1,
		Name:        "structure",
		Tier:        TierLowCost,
		MaxTokens:   Pass1MaxTokens,
		BuildPrompt: func() string { return structurePrompt },
	}, pdfBase64)
	if err != nil {
		return nil, nil, err
	}

	var sm model.StructureMap
	if err := json.Unmarshal(result.Data, &sm); err != nil {
		return nil, nil, eris.Wrap(err, "extract: decode structure map")
	}
	return &sm, result, nil
}

// tablesPayload is the Pass 2 (and repair) response shape.
type tablesPayload struct {
	Tables []model.ReportTable `json:"tables"`
	Charts []model.Chart       `json:"charts"`
}

// RunTables executes Pass 2: materialize every table and chart the structure
// map names.
func (r *Runner) RunTables(ctx context.Context, pdfBase64 string, sm *model.StructureMap) ([]model.ReportTable, []model.Chart, *PassResult, error) {
	smJSON, err := json.Marshal(sm)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "extract: marshal structure map")
	}

	result, err := r.runPass(ctx, PassSpec{
		Number:    2,
		Name:      "tables",
		Tier:      TierPremium,
		MaxTokens: Pass2MaxTokens,
		BuildPrompt: func() string {
			return fmt.Sprintf(tablesPrompt, smJSON, joinIDs(sm.Tables), joinIDs(sm.Charts))
		},
	}, pdfBase64)
	if err != nil {
		return nil, nil, nil, err
	}

	var payload tablesPayload
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return nil, nil, nil, eris.Wrap(err, "extract: decode tables")
	}
	return payload.Tables, payload.Charts, result, nil
}

// RunNarrative executes Pass 3: materialize the narrative sections.
func (r *Runner) RunNarrative(ctx context.Context, pdfBase64 string, sm *model.StructureMap) ([]model.Section, *PassResult, error) {
	smJSON, err := json.Marshal(sm)
	if err != nil {
		return nil, nil, eris.Wrap(err, "extract: marshal structure map")
	}

	result, err := r.runPass(ctx, PassSpec{
		Number:    3,
		Name:      "narrative",
		Tier:      TierLowCost,
		MaxTokens: Pass3MaxTokens,
		BuildPrompt: func() string {
			return fmt.Sprintf(narrativePrompt, smJSON, joinIDs(sm.Sections))
		},
	}, pdfBase64)
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		Sections []model.Section `json:"sections"`
	}
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return nil, nil, eris.Wrap(err, "extract: decode sections")
	}
	return payload.Sections, result, nil
}

func joinIDs(entries []model.StructureEntry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return strings.Join(ids, ", ")
}
