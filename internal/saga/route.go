package saga

import (
	"fmt"
	"time"

	capreg "github.com/jltournay/farmer-power-platform-sub015/internal/capability"
	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// AnalyzerSet is the outcome of a routing decision: the branches to dispatch
// and the timeout each branch runs under.
type AnalyzerSet struct {
	Analyzers        []capability.Analyzer
	PerBranchTimeout time.Duration
}

// RouteFunc maps a triage result to an analyzer invocation set. The
// controller depends only on this signature; the threshold and the
// category→analyzer registry behind it are configuration.
type RouteFunc func(category string, confidence float64) (AnalyzerSet, error)

// NewRouter builds the routing decision from a registry. At or above the
// confidence threshold only the category's primary analyzer runs; below it,
// every applicable analyzer fans out in parallel.
func NewRouter(reg *capreg.Registry, threshold float64, defaultTimeout time.Duration) RouteFunc {
	return func(category string, confidence float64) (AnalyzerSet, error) {
		timeout := reg.Timeout(category)
		if timeout == 0 {
			timeout = defaultTimeout
		}

		if confidence >= threshold {
			primary, ok := reg.Primary(category)
			if !ok {
				return AnalyzerSet{}, fmt.Errorf("route: no analyzer registered for category %q", category)
			}
			return AnalyzerSet{
				Analyzers:        []capability.Analyzer{primary},
				PerBranchTimeout: timeout,
			}, nil
		}

		applicable := reg.Applicable(category)
		if len(applicable) == 0 {
			return AnalyzerSet{}, fmt.Errorf("route: no analyzer registered for category %q", category)
		}
		return AnalyzerSet{
			Analyzers:        applicable,
			PerBranchTimeout: timeout,
		}, nil
	}
}
