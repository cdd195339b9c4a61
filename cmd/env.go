package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nordsight/rapport-cli/internal/cost"
	"github.com/nordsight/rapport-cli/internal/extract"
	"github.com/nordsight/rapport-cli/internal/store"
	"github.com/nordsight/rapport-cli/pkg/anthropic"
)

// pipelineEnv holds the initialized store and extraction pipeline shared by
// the extract and batch commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *extract.Pipeline
	Calc     *cost.Calculator
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline validates config for mode, then builds the store, the
// Anthropic client and the extraction pipeline. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	client := anthropic.NewClient(cfg.Anthropic.Key)
	runner := extract.NewRunner(client,
		cfg.Pipeline.MaxConcurrentCalls,
		cfg.Anthropic.HaikuModel,
		cfg.Anthropic.SonnetModel,
		time.Duration(cfg.Pipeline.PassDeadlineSecs)*time.Second,
	)
	calc := cost.NewCalculator(cfg.Pricing)
	p := extract.NewPipeline(st, runner, calc, extract.Config{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
	})

	return &pipelineEnv{Store: st, Pipeline: p, Calc: calc}, nil
}
