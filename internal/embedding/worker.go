// Package embedding backfills section vectors: it drains the store's queue of
// sections without an embedding, batches them to the Voyage API, and writes
// each vector back row by row. Runs are idempotent; a crashed run resumes
// from whatever is still unembedded.
package embedding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nordsight/rapport-cli/internal/cost"
	"github.com/nordsight/rapport-cli/internal/store"
	"github.com/nordsight/rapport-cli/pkg/voyage"
)

// Defaults.
const (
	DefaultBatchSize  = voyage.MaxBatchSize
	DefaultFetchLimit = 200
	DefaultRPS        = 2.0
	MaxRateRetries    = 5
)

// rateLimitBase is the first wait after a 429; it doubles per retry.
// Variable so tests can shrink it.
var rateLimitBase = 5 * time.Second

// Config tunes the worker.
type Config struct {
	// BatchSize is sections per API call, capped at the API batch limit.
	BatchSize int

	// FetchLimit is sections pulled from the store per round.
	FetchLimit int

	// RPS throttles embedding requests.
	RPS float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 || c.BatchSize > voyage.MaxBatchSize {
		c.BatchSize = DefaultBatchSize
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.RPS <= 0 {
		c.RPS = DefaultRPS
	}
	return c
}

// Summary reports one worker run.
type Summary struct {
	Embedded int
	Skipped  int // sections with no content
	Batches  int
	Tokens   int
	CostUSD  float64
	CostSEK  float64
}

// Worker embeds pending sections.
type Worker struct {
	store   store.Store
	client  voyage.Client
	calc    *cost.Calculator
	limiter *rate.Limiter
	cfg     Config
}

// NewWorker creates a worker over the given store and Voyage client.
func NewWorker(st store.Store, client voyage.Client, calc *cost.Calculator, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		store:   st,
		client:  client,
		calc:    calc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		cfg:     cfg,
	}
}

// Run drains the embedding queue. Sections with empty content are skipped and
// stay unembedded; everything else is embedded in API-sized batches.
func (w *Worker) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	seen := map[int64]bool{}
	fetchLimit := w.cfg.FetchLimit

	for {
		pending, err := w.store.SectionsWithoutEmbedding(ctx, fetchLimit)
		if err != nil {
			return summary, err
		}

		var batchable []store.PendingSection
		for _, ps := range pending {
			if seen[ps.RowID] {
				continue
			}
			seen[ps.RowID] = true
			if strings.TrimSpace(ps.Section.Content) == "" {
				summary.Skipped++
				continue
			}
			batchable = append(batchable, ps)
		}

		if len(batchable) == 0 {
			if len(pending) < fetchLimit {
				break // queue drained
			}
			// The window is full of skipped rows; widen it to reach the rest.
			fetchLimit *= 2
			continue
		}

		for start := 0; start < len(batchable); start += w.cfg.BatchSize {
			end := min(start+w.cfg.BatchSize, len(batchable))
			if err := w.embedBatch(ctx, batchable[start:end], summary); err != nil {
				return summary, err
			}
		}
	}

	summary.CostSEK = w.calc.ToSEK(summary.CostUSD)
	zap.L().Info("embedding: run complete",
		zap.Int("embedded", summary.Embedded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("batches", summary.Batches),
		zap.Int("tokens", summary.Tokens),
		zap.Float64("cost_sek", summary.CostSEK),
	)
	return summary, nil
}

// embedBatch sends one batch, honoring the rate limit and backing off on 429.
func (w *Worker) embedBatch(ctx context.Context, batch []store.PendingSection, summary *Summary) error {
	inputs := make([]string, len(batch))
	for i, ps := range batch {
		// Title gives the vector context the body alone lacks.
		inputs[i] = ps.Section.EmbeddingInput()
	}

	var resp *voyage.EmbedResponse
	wait := rateLimitBase
	for retry := 0; ; retry++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "embedding: limiter")
		}

		var err error
		resp, err = w.client.Embed(ctx, inputs)
		if err == nil {
			break
		}
		if !errors.Is(err, voyage.ErrRateLimited) {
			return eris.Wrap(err, "embedding: embed batch")
		}
		if retry == MaxRateRetries {
			return eris.Wrapf(err, "embedding: still rate limited after %d retries", MaxRateRetries)
		}

		zap.L().Warn("embedding: rate limited, backing off",
			zap.Int("retry", retry+1),
			zap.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrap(ctx.Err(), "embedding: cancelled during backoff")
		case <-timer.C:
		}
		wait *= 2
	}

	if len(resp.Vectors) != len(batch) {
		return eris.Errorf("embedding: got %d vectors for %d sections", len(resp.Vectors), len(batch))
	}

	embeddingModel := resp.Model
	if embeddingModel == "" {
		embeddingModel = voyage.DefaultModel
	}
	for i, ps := range batch {
		if err := w.store.UpdateSectionEmbedding(ctx, ps.RowID, resp.Vectors[i], embeddingModel); err != nil {
			return eris.Wrapf(err, "embedding: persist section row %d", ps.RowID)
		}
		summary.Embedded++
	}

	summary.Batches++
	summary.Tokens += resp.TotalTokens
	summary.CostUSD += w.calc.Embedding(resp.TotalTokens)
	return nil
}
