// Package mock provides functional capability fakes for tests and local
// development.
package mock

import (
	"context"

	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// Classifier satisfies capability.Classifier for testing.
type Classifier struct {
	Name_        string
	ClassifyFunc func(ctx context.Context, payloadRef string) (capability.ClassifyResult, error)
}

func (c *Classifier) Name() string { return c.Name_ }

func (c *Classifier) Classify(ctx context.Context, payloadRef string) (capability.ClassifyResult, error) {
	if c.ClassifyFunc != nil {
		return c.ClassifyFunc(ctx, payloadRef)
	}
	return capability.ClassifyResult{Category: "disease", Confidence: 0.9}, nil
}

// Analyzer satisfies capability.Analyzer for testing.
type Analyzer struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, category, payloadRef string) (capability.AnalyzeResult, error)
}

func (a *Analyzer) Name() string { return a.Name_ }

func (a *Analyzer) Analyze(ctx context.Context, category, payloadRef string) (capability.AnalyzeResult, error) {
	if a.AnalyzeFunc != nil {
		return a.AnalyzeFunc(ctx, category, payloadRef)
	}
	return capability.AnalyzeResult{Category: category, Confidence: 0.8, Findings: "mock findings"}, nil
}

// NewFixedAnalyzer returns an analyzer that always answers with the given
// confidence for the requested category.
func NewFixedAnalyzer(name string, confidence float64) *Analyzer {
	return &Analyzer{
		Name_: name,
		AnalyzeFunc: func(_ context.Context, category, _ string) (capability.AnalyzeResult, error) {
			return capability.AnalyzeResult{Category: category, Confidence: confidence, Findings: "fixed findings from " + name}, nil
		},
	}
}

// NewFailingAnalyzer returns an analyzer that always returns the given error.
func NewFailingAnalyzer(name string, err error) *Analyzer {
	return &Analyzer{
		Name_: name,
		AnalyzeFunc: func(_ context.Context, _, _ string) (capability.AnalyzeResult, error) {
			return capability.AnalyzeResult{}, err
		},
	}
}

// NewHangingAnalyzer returns an analyzer that blocks until its context is
// cancelled, then reports a timeout.
func NewHangingAnalyzer(name string) *Analyzer {
	return &Analyzer{
		Name_: name,
		AnalyzeFunc: func(ctx context.Context, _, _ string) (capability.AnalyzeResult, error) {
			<-ctx.Done()
			return capability.AnalyzeResult{}, capability.ErrTimeout
		},
	}
}

var (
	_ capability.Classifier = (*Classifier)(nil)
	_ capability.Analyzer   = (*Analyzer)(nil)
)
