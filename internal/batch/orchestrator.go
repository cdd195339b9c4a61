package batch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nordsight/rapport-cli/internal/extract"
	"github.com/nordsight/rapport-cli/internal/model"
)

// DefaultWidth is the number of PDFs in flight at once.
const DefaultWidth = 5

// ProcessFunc extracts a single PDF. The extraction pipeline's ProcessPDF
// satisfies it.
type ProcessFunc func(ctx context.Context, company *model.Company, path string, useCache bool, progress model.ProgressFunc) (*extract.Result, error)

// Config tunes the orchestrator.
type Config struct {
	// Width bounds concurrent PDFs. Default: 5.
	Width int

	// CheckpointPath is the checkpoint document location.
	CheckpointPath string

	// PersistedDir, when set, receives successfully extracted PDFs.
	PersistedDir string

	// UseCache skips PDFs whose hash already sits in the store.
	UseCache bool
}

// Summary reports the outcome of one batch run.
type Summary struct {
	BatchID   string
	Total     int
	Skipped   int // already completed in a prior run
	Succeeded int
	Cached    int
	Failed    int
	CostSEK   float64
	Failures  []FailedFile
}

// Orchestrator fans PDFs out to the extraction pipeline under a concurrency
// bound, recording progress in the checkpoint file after every file.
type Orchestrator struct {
	process ProcessFunc
	cfg     Config
}

// NewOrchestrator wires a process function to batch configuration.
func NewOrchestrator(process ProcessFunc, cfg Config) *Orchestrator {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	return &Orchestrator{process: process, cfg: cfg}
}

// outcome flows from a worker to the single checkpoint-writing goroutine.
type outcome struct {
	path   string
	result *extract.Result
	err    error
}

// Run processes paths for one company. Individual failures are recorded and
// never abort the batch; cancelling ctx stops dispatching new files while
// in-flight extractions finish. The caller goroutine is the only writer of
// the checkpoint file.
func (o *Orchestrator) Run(ctx context.Context, company *model.Company, paths []string, onProgress model.ProgressFunc) (*Summary, error) {
	batchID := BatchID(company.Slug, time.Now().UTC())

	cpFile, err := LoadCheckpoints(o.cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	cp := cpFile.Start(batchID, len(paths))

	summary := &Summary{BatchID: batchID, Total: len(paths)}

	var pending []string
	for _, p := range paths {
		if cp.IsCompleted(p) {
			summary.Skipped++
			zap.L().Info("batch: skipping completed file",
				zap.String("batch", batchID),
				zap.String("file", filepath.Base(p)),
			)
			continue
		}
		pending = append(pending, p)
	}

	zap.L().Info("batch: starting",
		zap.String("batch", batchID),
		zap.String("company", company.Slug),
		zap.Int("files", len(pending)),
		zap.Int("skipped", summary.Skipped),
		zap.Int("width", o.cfg.Width),
	)

	results := make(chan outcome, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Width)

	for _, path := range pending {
		g.Go(func() error {
			// Stop dispatching once the run is cancelled; files already
			// extracting run to completion.
			if gctx.Err() != nil {
				return nil
			}
			res, err := o.process(gctx, company, path, o.cfg.UseCache, onProgress)
			results <- outcome{path: path, result: res, err: err}
			return nil // individual failures never abort the batch
		})
	}
	go func() {
		g.Wait() //nolint:errcheck // workers always return nil
		close(results)
	}()

	for out := range results {
		if out.err != nil {
			summary.Failed++
			cp.MarkFailed(out.path, out.err)
			zap.L().Error("batch: file failed",
				zap.String("file", filepath.Base(out.path)),
				zap.Error(out.err),
			)
		} else {
			summary.Succeeded++
			if out.result.Cached {
				summary.Cached++
			}
			summary.CostSEK += out.result.CostSEK
			cp.MarkCompleted(out.path)
			if err := o.moveToPersisted(out.path); err != nil {
				zap.L().Warn("batch: move to persisted failed", zap.Error(err))
			}
		}
		if err := cpFile.Save(); err != nil {
			zap.L().Warn("batch: checkpoint save failed", zap.Error(err))
		}
	}

	summary.Failures = append(summary.Failures, cp.Failed...)

	zap.L().Info("batch: complete",
		zap.String("batch", batchID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("cached", summary.Cached),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Float64("cost_sek", summary.CostSEK),
	)

	if ctx.Err() != nil {
		return summary, eris.Wrap(ctx.Err(), "batch: interrupted")
	}
	return summary, nil
}

// moveToPersisted relocates a finished PDF out of the pending directory.
func (o *Orchestrator) moveToPersisted(path string) error {
	if o.cfg.PersistedDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.cfg.PersistedDir, 0o755); err != nil {
		return eris.Wrapf(err, "batch: create %s", o.cfg.PersistedDir)
	}
	dst := filepath.Join(o.cfg.PersistedDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return eris.Wrapf(err, "batch: move %s", filepath.Base(path))
	}
	return nil
}
