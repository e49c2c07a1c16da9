package embeddings

import (
	"context"
	"fmt"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/fabfab/campusqa/retry"
)

// localProvider runs a sentence-transformer ONNX model in-process, so it needs no
// API key and never throttles.
type localProvider struct {
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

func NewLocalProvider(opts Options) (Provider, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create hugot session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: opts.LocalModelPath,
		Name:      "campusqa-embedder",
	})
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("create feature extraction pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("create feature extraction pipeline: %w", err)
	}

	return &localProvider{session: session, pipeline: pipeline}, nil
}

func (p *localProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := p.pipeline.RunPipeline(texts)
	if err != nil {
		// A local model failure will not heal on retry.
		return nil, retry.Permanent(fmt.Errorf("run feature extraction: %w", err))
	}
	return result.Embeddings, nil
}

func (p *localProvider) Close() error {
	return p.session.Destroy()
}
