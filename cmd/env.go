package main

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/declarante/irpf-cli/internal/extract"
	"github.com/declarante/irpf-cli/internal/ingest"
	"github.com/declarante/irpf-cli/internal/normalize"
	"github.com/declarante/irpf-cli/internal/schema"
	"github.com/declarante/irpf-cli/internal/store"
	"github.com/declarante/irpf-cli/internal/structurer"
	anthropicpkg "github.com/declarante/irpf-cli/pkg/anthropic"
)

// env holds the initialized store and pipeline components shared by the
// ingest/status/query/serve commands.
type env struct {
	Store      store.Store
	Registry   *schema.Registry
	Runner     *ingest.Runner
	Normalizer *normalize.Normalizer
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, schema registry and the ingestion pipeline.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := schema.Load()
	if err != nil {
		return nil, eris.Wrap(err, "load schema registry")
	}

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	limiter := rate.NewLimiter(rate.Limit(cfg.Ingest.LLMCallsPerMin/60), 1)
	s := structurer.NewStructurer(anthropicClient, registry, cfg.Anthropic, limiter)
	loop := structurer.NewLoop(s, cfg.Structurer)
	extractor := extract.NewAdapter(cfg.Extract)
	normalizer := normalize.New(registry)
	runner := ingest.NewRunner(st, extractor, loop, normalizer, cfg.Ingest.Concurrency)

	return &env{
		Store:      st,
		Registry:   registry,
		Runner:     runner,
		Normalizer: normalizer,
	}, nil
}
