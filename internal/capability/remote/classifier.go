// Package remote implements the capability contracts against HTTP model
// serving endpoints. Both calls are plain request/response POSTs with no
// server-side state, so they satisfy the re-callability requirement of the
// capability contracts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// Classifier calls a remote triage classification endpoint.
type Classifier struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewClassifier creates a classifier against the given endpoint.
func NewClassifier(name, endpoint string, timeout time.Duration) *Classifier {
	return &Classifier{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *Classifier) Name() string { return c.name }

type classifyRequest struct {
	PayloadRef string `json:"payload_ref"`
}

func (c *Classifier) Classify(ctx context.Context, payloadRef string) (capability.ClassifyResult, error) {
	var result capability.ClassifyResult
	if err := postJSON(ctx, c.client, c.endpoint, classifyRequest{PayloadRef: payloadRef}, &result); err != nil {
		return capability.ClassifyResult{}, err
	}
	if result.Category == "" {
		return capability.ClassifyResult{}, fmt.Errorf("%w: missing category", capability.ErrInvalidResponse)
	}
	return result, nil
}

// postJSON posts a JSON body and decodes the JSON response, mapping
// transport-level failures onto the capability sentinel errors.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", capability.ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", capability.ErrInvalidResponse, err)
	}
	return nil
}

// classifyError maps transport errors to the capability sentinels.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", capability.ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", capability.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", capability.ErrUnavailable, err)
}

var _ capability.Classifier = (*Classifier)(nil)
