package cache

import (
	"context"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/followsync/models"
)

// Cache holds collected listings for a bounded time. Entries expire
// passively once their ttl elapses; there is no explicit invalidation.
type Cache interface {
	Get(ctx context.Context, key string) ([]models.Account, bool, error)
	Set(ctx context.Context, key string, accounts []models.Account, ttl time.Duration) error
}

// Key builds the cache key of a listing, e.g. "followers:alice.bsky.social".
func Key(kind models.RelationKind, identity string) string {
	return fmt.Sprintf("%s:%s", kind, identity)
}

// ensure that we are satisfying the interface
var (
	_ = []Cache{
		&Memory{},
		&Redis{},
	}
)
