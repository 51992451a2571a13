package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// Analyzer calls a remote analysis endpoint.
type Analyzer struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewAnalyzer creates an analyzer against the given endpoint. The timeout on
// the HTTP client is a transport backstop; the coordinator enforces the real
// per-branch deadline through the request context.
func NewAnalyzer(name, endpoint string, timeout time.Duration) *Analyzer {
	return &Analyzer{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *Analyzer) Name() string { return a.name }

type analyzeRequest struct {
	Category   string `json:"category"`
	PayloadRef string `json:"payload_ref"`
}

func (a *Analyzer) Analyze(ctx context.Context, category, payloadRef string) (capability.AnalyzeResult, error) {
	var result capability.AnalyzeResult
	if err := postJSON(ctx, a.client, a.endpoint, analyzeRequest{Category: category, PayloadRef: payloadRef}, &result); err != nil {
		return capability.AnalyzeResult{}, err
	}
	if result.Category == "" {
		// Analyzers that don't re-categorize answer for the triage category.
		result.Category = category
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1.0 {
		result.Confidence = 1.0
	}
	return result, nil
}

var _ capability.Analyzer = (*Analyzer)(nil)
