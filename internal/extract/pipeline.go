package extract

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nordsight/rapport-cli/internal/cost"
	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/pdfinfo"
	"github.com/nordsight/rapport-cli/internal/resilience"
	"github.com/nordsight/rapport-cli/internal/store"
	"github.com/nordsight/rapport-cli/internal/validate"
)

// Config tunes the per-PDF pipeline.
type Config struct {
	// MaxAttempts bounds extraction attempts per PDF. Default: 3.
	MaxAttempts int

	// RetryBase is the first retry delay; it doubles per attempt. Default: 1s.
	RetryBase time.Duration

	// ShouldRetry, when set, is consulted before each retry of a transient
	// failure. The CLI passes an interactive policy here; nil always retries.
	ShouldRetry func(attempt int, err error) bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

// Pipeline sequences the extraction state machine for one PDF: cache check,
// Pass 1, Pass 2 and 3 in parallel, repair, validation, atomic persistence.
type Pipeline struct {
	store  store.Store
	runner *Runner
	calc   *cost.Calculator
	cfg    Config
}

// NewPipeline creates a pipeline over the given store, runner and calculator.
func NewPipeline(st store.Store, runner *Runner, calc *cost.Calculator, cfg Config) *Pipeline {
	return &Pipeline{store: st, runner: runner, calc: calc, cfg: cfg.withDefaults()}
}

// Result summarizes one processed PDF.
type Result struct {
	PeriodID int64
	Quarter  int
	Year     int
	Cached   bool
	CostUSD  float64
	CostSEK  float64
	Counts   store.ChildCounts
}

// ProcessPDF runs the full state machine for one file. Validation errors are
// recorded in metadata and never block persistence; transport failures are
// retried per the configured policy.
func (p *Pipeline) ProcessPDF(ctx context.Context, company *model.Company, path string, useCache bool, progress model.ProgressFunc) (*Result, error) {
	file := filepath.Base(path)
	emit := func(ev model.ProgressEvent) {
		ev.File = file
		if progress != nil {
			progress(ev)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		emit(model.ProgressEvent{Stage: model.StageFailed, Message: "read file"})
		return nil, eris.Wrapf(err, "pipeline: read %s", file)
	}

	// Fail fast on non-PDF input before paying for an LLM call.
	info, err := pdfinfo.Inspect(data)
	if err != nil {
		emit(model.ProgressEvent{Stage: model.StageFailed, Message: "not a readable PDF"})
		return nil, eris.Wrapf(err, "pipeline: inspect %s", file)
	}

	hash := pdfinfo.Fingerprint(data)
	fileInfo, hasQuarter := model.ParseFilename(path)

	if hasQuarter && useCache {
		existing, err := p.store.FindPeriod(ctx, company.ID, fileInfo.Quarter, fileInfo.Year)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: cache lookup")
		}
		if existing != nil && existing.PDFHash == hash {
			emit(model.ProgressEvent{Stage: model.StageCached})
			return &Result{
				PeriodID: existing.ID,
				Quarter:  existing.Quarter,
				Year:     existing.Year,
				Cached:   true,
			}, nil
		}
	}

	pdfBase64 := base64.StdEncoding.EncodeToString(data)

	var lastErr error
	backoff := p.cfg.RetryBase
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		emit(model.ProgressEvent{Stage: model.StageExtracting, Attempt: attempt})

		res, err := p.extractOnce(ctx, company, pdfBase64, hash, file, fileInfo, hasQuarter, info.Pages, emit)
		if err == nil {
			emit(model.ProgressEvent{Stage: model.StageDone})
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil || !resilience.IsTransient(err) {
			break
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if p.cfg.ShouldRetry != nil && !p.cfg.ShouldRetry(attempt, err) {
			break
		}

		zap.L().Warn("pipeline: extraction attempt failed, retrying",
			zap.String("file", file),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			emit(model.ProgressEvent{Stage: model.StageFailed, Message: ctx.Err().Error()})
			return nil, lastErr
		case <-timer.C:
		}
		backoff *= 2
	}

	emit(model.ProgressEvent{Stage: model.StageFailed, Message: eris.Cause(lastErr).Error()})
	return nil, lastErr
}

// normalizeRowOrder renumbers every table's rows densely from 1. The model's
// ordering is honored when it assigned one; rows without it keep their
// response order.
func normalizeRowOrder(tables []model.ReportTable) {
	for ti := range tables {
		rows := tables[ti].Rows
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
		for ri := range rows {
			rows[ri].Order = ri + 1
		}
	}
}

// extractOnce is a single end-to-end attempt: structure, tables ∥ narrative,
// repair, validate, persist.
func (p *Pipeline) extractOnce(
	ctx context.Context,
	company *model.Company,
	pdfBase64, hash, file string,
	fileInfo model.FileInfo,
	hasQuarter bool,
	pageCount int,
	emit func(model.ProgressEvent),
) (*Result, error) {
	start := time.Now()

	emit(model.ProgressEvent{Stage: model.StagePass1})
	sm, pass1, err := p.runner.RunStructure(ctx, pdfBase64)
	if err != nil {
		return nil, err
	}

	quarter, year := fileInfo.Quarter, fileInfo.Year
	if !hasQuarter {
		quarter, year = sm.Quarter, sm.Year
	}
	if quarter < 1 || quarter > 4 || year < 2000 || year > 2100 {
		return nil, eris.Errorf("pipeline: cannot determine quarter/year for %s (filename and document both silent)", file)
	}

	emit(model.ProgressEvent{Stage: model.StagePass23})
	var (
		tables   []model.ReportTable
		charts   []model.Chart
		sections []model.Section
		pass2    *PassResult
		pass3    *PassResult
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tables, charts, pass2, err = p.runner.RunTables(gCtx, pdfBase64, sm)
		return err
	})
	g.Go(func() error {
		var err error
		sections, pass3, err = p.runner.RunNarrative(gCtx, pdfBase64, sm)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	emit(model.ProgressEvent{Stage: model.StageValidating})

	language := sm.Language
	if language == "" {
		language = fileInfo.Language
	}

	payload := &model.PeriodPayload{
		Quarter:  quarter,
		Year:     year,
		Currency: sm.Currency,
		Language: language,
		Tables:   tables,
		Sections: sections,
		Charts:   charts,
	}

	// The first validation feeds the repair diff.
	findings := validate.Period(payload)

	repaired, outcome, err := p.runner.Repair(ctx, pdfBase64, sm, payload.Tables, findings)
	if err != nil {
		return nil, err
	}
	payload.Tables = repaired
	normalizeRowOrder(payload.Tables)

	// Second validation records whatever the repair could not fix.
	final := validate.Period(payload)

	passes := []*PassResult{pass1, pass2, pass3}
	if outcome.Attempted() {
		passes = append(passes, outcome.Result)
	}

	meta := model.ExtractionMeta{
		ExtractedAt:   time.Now().UTC(),
		Pass1Counts:   sm.Counts(),
		MissingTables: outcome.Missing,
		RepairCount:   outcome.Repaired,
		Validation:    final.Summary(),
		NumberFormat:  sm.NumberFormat,
		PageCount:     pageCount,
	}
	var costUSD float64
	for _, pr := range passes {
		meta.Passes = append(meta.Passes, pr.Stat())
		meta.InputTokens += pr.InputTokens
		meta.OutputTokens += pr.OutputTokens
		costUSD += p.calc.Claude(pr.Model, pr.InputTokens, pr.OutputTokens)
	}
	meta.CostUSD = costUSD
	meta.CostSEK = p.calc.ToSEK(costUSD)
	payload.Meta = meta

	periodID, err := p.store.SavePeriodAtomic(ctx, company.ID, payload, hash, file)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: persist period")
	}

	zap.L().Info("pipeline: period persisted",
		zap.String("company", company.Slug),
		zap.Int("quarter", quarter),
		zap.Int("year", year),
		zap.String("pdf_hash", hash),
		zap.Int("tables", len(payload.Tables)),
		zap.Int("sections", len(payload.Sections)),
		zap.Int("charts", len(payload.Charts)),
		zap.Int("repaired", outcome.Repaired),
		zap.Float64("cost_sek", meta.CostSEK),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Result{
		PeriodID: periodID,
		Quarter:  quarter,
		Year:     year,
		CostUSD:  meta.CostUSD,
		CostSEK:  meta.CostSEK,
		Counts: store.ChildCounts{
			Tables:   len(payload.Tables),
			Sections: len(payload.Sections),
			Charts:   len(payload.Charts),
		},
	}, nil
}
