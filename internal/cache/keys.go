package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func InstanceStateKey(id uuid.UUID) string {
	return fmt.Sprintf("instance:state:%s", id)
}

func RateLimitKey(caller string) string {
	return fmt.Sprintf("ratelimit:%s", caller)
}
