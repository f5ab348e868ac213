package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"tangled.sh/tangled.sh/followsync/models"
)

const redisKey = "followsync:%s"

// Redis shares collected listings between processes.
type Redis struct {
	*redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{rdb}
}

func (r *Redis) Get(ctx context.Context, key string) ([]models.Account, bool, error) {
	data, err := r.Client.Get(ctx, fmt.Sprintf(redisKey, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var accounts []models.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %q: %w", key, err)
	}
	return accounts, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, accounts []models.Account, ttl time.Duration) error {
	if accounts == nil {
		accounts = []models.Account{}
	}

	data, err := json.Marshal(accounts)
	if err != nil {
		return err
	}

	return r.Client.Set(ctx, fmt.Sprintf(redisKey, key), data, ttl).Err()
}
