package port

import "context"

// CacheRepository holds short-lived sale request keys used to reject replays.
type CacheRepository interface {
	// SetIdempotency claims key, returning false when another request already holds it
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency releases key so a failed request can be retried
	ClearIdempotency(ctx context.Context, key string) error
}
