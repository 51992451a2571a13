// Package capability defines the contracts that external classification and
// analysis capabilities must implement to plug into the diagnosis
// orchestrator. Never call a concrete capability directly — always inject
// these interfaces.
package capability

import "context"

// ClassifyResult is the output of a triage classification.
type ClassifyResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// AnalyzeResult is the output of one analyzer invocation.
type AnalyzeResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Findings   string  `json:"findings"`
}

// Classifier performs fast, cheap triage of a quality-issue payload into a
// category plus a confidence score. Implementations must be safely
// re-callable: the controller re-invokes the last intended step after crash
// recovery.
type Classifier interface {
	Classify(ctx context.Context, payloadRef string) (ClassifyResult, error)
	// Name returns the classifier identifier (e.g., "remote", "mock").
	Name() string
}

// Analyzer performs one branch of deep analysis for a triage category.
// The same re-callability requirement as Classifier applies.
type Analyzer interface {
	Analyze(ctx context.Context, category, payloadRef string) (AnalyzeResult, error)
	// Name returns the analyzer identifier used in routing bindings.
	Name() string
}
