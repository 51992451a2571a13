// Package publish hands committed diagnoses to downstream consumers over a
// Redis stream. Recommendation and notification services read the stream; the
// orchestrator only ever appends.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
)

// Stream is the Redis stream committed diagnoses are appended to.
const Stream = "diagnosis:published"

// MaxStreamLen bounds the stream so an absent consumer cannot grow it forever.
const MaxStreamLen = 10000

// RedisPublisher implements saga.Publisher on a Redis stream.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher on an existing client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

var _ saga.Publisher = (*RedisPublisher)(nil)

func (p *RedisPublisher) PublishDiagnosis(ctx context.Context, diag *saga.Diagnosis) error {
	body, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("marshal diagnosis: %w", err)
	}

	primary := diag.Primary()
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: MaxStreamLen,
		Approx: true,
		Values: map[string]any{
			"instance_id":      diag.InstanceID.String(),
			"subject":          diag.Subject,
			"primary_category": primary.Category,
			"low_confidence":   strconv.FormatBool(diag.LowConfidence),
			"diagnosis":        string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish diagnosis: %w", err)
	}
	return nil
}

// NoopPublisher discards diagnoses. Used in tests and local development when
// no consumer is attached.
type NoopPublisher struct{}

var _ saga.Publisher = NoopPublisher{}

func (NoopPublisher) PublishDiagnosis(ctx context.Context, diag *saga.Diagnosis) error {
	return nil
}
