package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"media-pipeline/internal/telemetry"
	"media-pipeline/internal/upstream"
)

// Service names the generator in classified errors.
const Service = "embedding"

// Result holds whichever vectors the backends produced.
type Result struct {
	BGE    []float32
	E5     []float32
	HasBGE bool
	HasE5  bool
}

// Model is the primary model name recorded with the embedding.
func (r Result) Model() string {
	if r.HasBGE {
		return ModelBGE
	}
	return ModelE5
}

// DualGenerator calls two independent backends and needs only one of them to succeed.
type DualGenerator struct {
	bge Embedder
	e5  Embedder
	log zerolog.Logger
}

// NewDualGenerator accepts nil for a backend that is not configured.
func NewDualGenerator(bge, e5 Embedder, log zerolog.Logger) *DualGenerator {
	return &DualGenerator{bge: bge, e5: e5, log: log}
}

// Generate embeds text with both backends in turn. A failing backend is logged and
// skipped; only when both fail does it return a transient upstream error.
func (g *DualGenerator) Generate(ctx context.Context, text string) (Result, error) {
	if g.bge == nil && g.e5 == nil {
		return Result{}, upstream.NewFatal(Service, errors.New("no embedding backend configured"))
	}

	var (
		res  Result
		errs error
	)
	if vec, err := g.call(ctx, g.bge, text); err != nil {
		errs = multierr.Append(errs, err)
	} else if vec != nil {
		res.BGE, res.HasBGE = vec, true
	}
	if vec, err := g.call(ctx, g.e5, text); err != nil {
		errs = multierr.Append(errs, err)
	} else if vec != nil {
		res.E5, res.HasE5 = vec, true
	}

	if !res.HasBGE && !res.HasE5 {
		return Result{}, upstream.NewTransient(Service, fmt.Errorf("all embedding backends unavailable: %w", errs))
	}
	return res, nil
}

func (g *DualGenerator) call(ctx context.Context, backend Embedder, text string) ([]float32, error) {
	if backend == nil {
		return nil, nil
	}
	vec, err := backend.Embed(ctx, text)
	if err != nil {
		g.log.Warn().Err(err).Str("model", backend.Model()).Msg("embedding backend unavailable, skipping")
		telemetry.EmbeddingBackendResults.WithLabelValues(backend.Model(), "failed").Inc()
		return nil, fmt.Errorf("%s: %w", backend.Model(), err)
	}
	telemetry.EmbeddingBackendResults.WithLabelValues(backend.Model(), "ok").Inc()
	return vec, nil
}
