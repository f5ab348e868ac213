package cache

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"
	"tangled.sh/tangled.sh/followsync/models"
)

// Memory is a process-local cache backed by ristretto.
type Memory struct {
	c *ristretto.Cache
}

func NewMemory() (*Memory, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:            1e5,
		MaxCost:                1 << 24,
		BufferItems:            64,
		IgnoreInternalCost:     true,
		TtlTickerDurationInSec: 60,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]models.Account, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}

	accounts, ok := v.([]models.Account)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(accounts), true, nil
}

func (m *Memory) Set(_ context.Context, key string, accounts []models.Account, ttl time.Duration) error {
	// one unit per account, plus one so that empty listings still cost something
	cost := int64(len(accounts)) + 1
	if !m.c.SetWithTTL(key, slices.Clone(accounts), cost, ttl) {
		return fmt.Errorf("memory cache rejected %q", key)
	}

	// make the entry visible to the next Get
	m.c.Wait()
	return nil
}

func (m *Memory) Close() {
	m.c.Close()
}
